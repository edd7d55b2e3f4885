package models

import "time"

// User is a registered learner or an anonymous guest identity.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Guest        bool      `json:"guest"`
	CreatedAt    time.Time `json:"created_at"`
}
