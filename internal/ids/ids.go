package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// EventPrefix is the prefix for event IDs.
	EventPrefix = "evt-"
	// ViewerPrefix is the prefix for anonymous viewer IDs handed to fans
	// that join an interactive broadcast without one.
	ViewerPrefix = "vwr-"
)

// NewEventID generates a new event ID using UUIDv7.
// Format: evt-<uuidv7>
// UUIDv7 is time-ordered, so IDs sort by creation time.
func NewEventID() string {
	return EventPrefix + uuid.Must(uuid.NewV7()).String()
}

// NewViewerID generates a new anonymous viewer ID.
func NewViewerID() string {
	return ViewerPrefix + uuid.Must(uuid.NewV7()).String()
}

// IsValidEventID checks if a string is a valid event ID.
func IsValidEventID(id string) bool {
	return hasUUIDSuffix(id, EventPrefix)
}

// IsValidViewerID checks if a string is a valid viewer ID.
func IsValidViewerID(id string) bool {
	return hasUUIDSuffix(id, ViewerPrefix)
}

func hasUUIDSuffix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || rest == "" {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
