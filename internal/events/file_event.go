package events

import "time"

// Kind is the kind of a filesystem event.
type Kind int

const (
	Created Kind = iota
	Modified
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// FileEvent is a create or modify notification for a single file.
type FileEvent struct {
	Path       string
	Kind       Kind
	ObservedAt time.Time
}
