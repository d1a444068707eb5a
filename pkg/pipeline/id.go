package pipeline

import "github.com/google/uuid"

// newEventID returns a unique id for a published event.
func newEventID() string {
	return uuid.NewString()
}
