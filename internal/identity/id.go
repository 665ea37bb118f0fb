package identity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewExecutionID generates a unique execution identifier. The timestamp
// prefix keeps IDs roughly sortable in store listings.
func NewExecutionID() string {
	return fmt.Sprintf("exec_%s_%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

// NewWorkflowID generates a unique workflow identifier for definitions
// submitted without one.
func NewWorkflowID() string {
	return "wf_" + uuid.NewString()
}

// NewEventID generates a unique event identifier.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}
