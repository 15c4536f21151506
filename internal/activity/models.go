package activity

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Actions recorded by the named Logger wrappers.
const (
	ActionLogin             = "login"
	ActionLogout            = "logout"
	ActionInviteCreated     = "invite_created"
	ActionUserUpdated       = "user_updated"
	ActionCompanyUpdated    = "company_updated"
	ActionSettingsUpdated   = "settings_updated"
	ActionPermissionChanged = "permission_changed"
	ActionProfileUpdated    = "profile_updated"
	ActionPasswordChanged   = "password_changed"
	ActionErrorOccurred     = "error_occurred"
	ActionDataExported      = "data_exported"
)

// Details carries action-specific data.
type Details map[string]any

// Target optionally scopes an entry to a company or resource.
type Target struct {
	CompanyID    string
	ResourceType string
	ResourceID   string
}

// Entry is one recorded user action. Entries are never mutated after creation.
type Entry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserEmail    string    `json:"user_email"`
	UserName     string    `json:"user_name"`
	Action       string    `json:"action"`
	Details      Details   `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
	CompanyID    string    `json:"company_id,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
}

// Query filters and paginates stored entries.
type Query struct {
	UserID    string    `json:"user_id,omitempty"`
	CompanyID string    `json:"company_id,omitempty"`
	Action    string    `json:"action,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a lexicographically sortable entry id for t.
func newID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func copyDetails(d Details) Details {
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
