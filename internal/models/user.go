package models

import (
	"time"

	"github.com/google/uuid"
)

// PlatformUserID owns the wallet that collects platform and withdrawal fees.
var PlatformUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

type Role string

const (
	RoleWorker    Role = "worker"
	RoleTaskgiver Role = "taskgiver"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleWorker, RoleTaskgiver, RoleAdmin:
		return true
	}
	return false
}

type UserStatus string

const (
	UserStatusActive UserStatus = "active"
	UserStatusFrozen UserStatus = "frozen"
	UserStatusBanned UserStatus = "banned"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusActive, UserStatusFrozen, UserStatusBanned:
		return true
	}
	return false
}

type User struct {
	ID               uuid.UUID  `json:"id"`
	TelegramID       int64      `json:"telegramId"`
	TelegramUsername *string    `json:"telegramUsername"`
	DisplayName      *string    `json:"displayName"`
	Role             Role       `json:"role"`
	Status           UserStatus `json:"status"`
	ReferralCode     string     `json:"referralCode"`
	ReferredBy       *uuid.UUID `json:"-"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"-"`
}

// Capability is a permission bit resolved from the user's role at the
// authorization boundary.
type Capability uint8

const (
	CapSubmitProofs Capability = 1 << iota
	CapMoveFunds
	CapCreateTasks
	CapAdmin
)

// CapabilitiesFor returns the permission set granted to a role.
func CapabilitiesFor(role Role) Capability {
	switch role {
	case RoleWorker:
		return CapSubmitProofs | CapMoveFunds
	case RoleTaskgiver:
		return CapSubmitProofs | CapMoveFunds | CapCreateTasks
	case RoleAdmin:
		return CapSubmitProofs | CapMoveFunds | CapCreateTasks | CapAdmin
	}
	return 0
}

func (c Capability) Has(want Capability) bool { return c&want == want }
