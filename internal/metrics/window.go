package metrics

import "time"

// WindowSize is the width of every arrival/departure bucket
const WindowSize = 10 * time.Minute

// Window is a wall-clock aligned aggregation slice [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowAt returns the UTC window containing t
func WindowAt(t time.Time) Window {
	start := t.UTC().Truncate(WindowSize)
	return Window{Start: start, End: start.Add(WindowSize)}
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
