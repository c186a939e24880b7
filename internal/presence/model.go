package presence

import "time"

// Connection is one live transport connection of a user. A user may hold
// any number of them, one per device or tab.
type Connection struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Event announces that a user got their first connection or lost their
// last one.
type Event struct {
	UserID string    `json:"user_id"`
	State  State     `json:"state"`
	At     time.Time `json:"at"`
}
