package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout (network byte order):
//
//	[tag:8][len1:1][len2:1][station:len1][content:len2]
const (
	TagStatus    = "llppstts"
	TagArrival   = "llpprrvl"
	TagDeparture = "llppdprt"

	TagSize    = 8
	HeaderSize = TagSize + 2

	// DepartureContentSize is the size of the big-endian uint64 service duration
	DepartureContentSize = 8

	// MaxDatagramSize is the receive buffer size of the ingestion loop
	MaxDatagramSize = 1024

	maxFieldLen = 255
)

var (
	ErrShortFrame    = errors.New("frame shorter than declared lengths")
	ErrUnknownTag    = errors.New("unknown frame tag")
	ErrContentLength = errors.New("unexpected content length for tag")
	ErrFieldTooLong  = errors.New("field longer than 255 bytes")
)

// Kind identifies the type of a decoded event
type Kind int

const (
	KindStatus Kind = iota + 1
	KindArrival
	KindDeparture
)

// String returns the name used for the kind on the observer protocol
func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindArrival:
		return "arrival"
	case KindDeparture:
		return "departure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a decoded datagram. Status is set only for KindStatus and
// DurationNanos only for KindDeparture.
type Event struct {
	Kind          Kind
	Station       string
	Status        string
	DurationNanos uint64
}

// Decode parses one datagram. Any returned error means the frame must be
// dropped; nothing is ever sent back to the sender.
func Decode(data []byte) (Event, error) {
	if len(data) < HeaderSize {
		return Event{}, ErrShortFrame
	}

	tag := string(data[:TagSize])
	len1 := int(data[TagSize])
	len2 := int(data[TagSize+1])

	if len(data) < HeaderSize+len1+len2 {
		return Event{}, ErrShortFrame
	}

	station := string(data[HeaderSize : HeaderSize+len1])
	content := data[HeaderSize+len1 : HeaderSize+len1+len2]

	switch tag {
	case TagStatus:
		return Event{Kind: KindStatus, Station: station, Status: string(content)}, nil
	case TagArrival:
		if len2 != 0 {
			return Event{}, ErrContentLength
		}
		return Event{Kind: KindArrival, Station: station}, nil
	case TagDeparture:
		if len2 != DepartureContentSize {
			return Event{}, ErrContentLength
		}
		return Event{
			Kind:          KindDeparture,
			Station:       station,
			DurationNanos: binary.BigEndian.Uint64(content),
		}, nil
	default:
		return Event{}, ErrUnknownTag
	}
}

// EncodeStatus builds a status frame
func EncodeStatus(station, status string) ([]byte, error) {
	return encode(TagStatus, station, []byte(status))
}

// EncodeArrival builds an arrival frame
func EncodeArrival(station string) ([]byte, error) {
	return encode(TagArrival, station, nil)
}

// EncodeDeparture builds a departure frame carrying the service duration in nanoseconds
func EncodeDeparture(station string, nanos uint64) ([]byte, error) {
	content := make([]byte, DepartureContentSize)
	binary.BigEndian.PutUint64(content, nanos)
	return encode(TagDeparture, station, content)
}

// Encode builds the frame for an already decoded event
func Encode(ev Event) ([]byte, error) {
	switch ev.Kind {
	case KindStatus:
		return EncodeStatus(ev.Station, ev.Status)
	case KindArrival:
		return EncodeArrival(ev.Station)
	case KindDeparture:
		return EncodeDeparture(ev.Station, ev.DurationNanos)
	default:
		return nil, fmt.Errorf("cannot encode %s: %w", ev.Kind, ErrUnknownTag)
	}
}

func encode(tag, station string, content []byte) ([]byte, error) {
	if len(station) > maxFieldLen || len(content) > maxFieldLen {
		return nil, ErrFieldTooLong
	}

	buf := make([]byte, 0, HeaderSize+len(station)+len(content))
	buf = append(buf, tag...)
	buf = append(buf, byte(len(station)), byte(len(content)))
	buf = append(buf, station...)
	buf = append(buf, content...)
	return buf, nil
}
