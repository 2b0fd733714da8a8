package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the subset of the account record the chat core reads. Accounts are
// owned by the auth service; the core only upserts the profile claims it is
// handed on connect.
type User struct {
	ID        uuid.UUID `json:"_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	PhoneNo   string    `json:"phoneNo,omitempty"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MemberProfile is the redacted user projection attached to channel members.
type MemberProfile struct {
	ID      uuid.UUID `json:"_id"`
	Name    string    `json:"name"`
	Email   string    `json:"email,omitempty"`
	PhoneNo string    `json:"phoneNo,omitempty"`
	Image   string    `json:"image,omitempty"`
}

func (u *User) Profile() *MemberProfile {
	return &MemberProfile{
		ID:      u.ID,
		Name:    u.Name,
		Email:   u.Email,
		PhoneNo: u.PhoneNo,
		Image:   u.Image,
	}
}
