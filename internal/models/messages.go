package models

import "encoding/json"

// ListStationsRequest is the literal request for the station list. The wire
// form is the JSON string "list_stations"; "list stations" is not accepted.
const ListStationsRequest = "list_stations"

// StationsResponse answers "list_stations"
type StationsResponse struct {
	Stations []string `json:"stations"`
}

// PastResponse answers a {"station": S} request
type PastResponse struct {
	Past Snapshot `json:"past"`
}

// LogMessage is pushed to observers subscribed to Station
type LogMessage struct {
	Type    string
	Station string
	Args    []interface{}
}

// MarshalJSON encodes the message as {"log": [type, station, args...]}
func (m LogMessage) MarshalJSON() ([]byte, error) {
	entry := make([]interface{}, 0, 2+len(m.Args))
	entry = append(entry, m.Type, m.Station)
	entry = append(entry, m.Args...)
	return json.Marshal(map[string]interface{}{"log": entry})
}

// Request is a decoded observer message
type Request struct {
	ListStations bool
	Station      *string
}

// ParseRequest decodes one observer message. ok is false for anything
// that is neither "list_stations" nor an object with a string "station".
func ParseRequest(data []byte) (req Request, ok bool) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, false
	}

	switch v := raw.(type) {
	case string:
		if v == ListStationsRequest {
			return Request{ListStations: true}, true
		}
	case map[string]interface{}:
		if station, isString := v["station"].(string); isString {
			return Request{Station: &station}, true
		}
	}
	return Request{}, false
}
