package user

import "time"

type State string

const (
	Active   State = "active"
	Inactive State = "inactive"
)

// User is identified by an id issued by the external auth provider. The
// server only tracks when they were last seen and whether they are
// connected.
type User struct {
	ID        string    `json:"id"`
	LastLogin time.Time `json:"last_login"`
	State     State     `json:"state"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}
