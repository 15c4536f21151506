// Package identity is the remote identity service: accounts, password
// authentication, revocable sessions carried by signed access tokens, and
// a per-consumer session-change stream.
package identity

import (
	"errors"
	"time"
)

// Upstream error messages. Consumers translate these for display.
const (
	MsgInvalidCredentials    = "Invalid login credentials"
	MsgEmailNotConfirmed     = "Email not confirmed"
	MsgUserAlreadyRegistered = "User already registered"
	MsgWeakPassword          = "Password should be at least 6 characters"
	MsgUserNotFound          = "User not found"
	MsgInvalidSession        = "Invalid or expired session"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

var (
	// ErrNoSession is returned when an operation requires a signed-in client.
	ErrNoSession = errors.New("identity: no active session")
	// ErrEmailTaken is returned by a Backend when the email is already registered.
	ErrEmailTaken = errors.New("identity: email already registered")
	// ErrInvalidToken is returned for malformed, expired or forged tokens.
	ErrInvalidToken = errors.New("identity: invalid token")
)

// User is an identity account.
type User struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	EmailConfirmed bool           `json:"email_confirmed"`
	Metadata       map[string]any `json:"user_metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	PasswordHash   string         `json:"-"`
}

// FullName returns the full_name metadata value, if any.
func (u *User) FullName() string {
	if u == nil {
		return ""
	}
	name, _ := u.Metadata["full_name"].(string)
	return name
}

// Session is an authenticated session as seen by a client.
type Session struct {
	ID          string    `json:"id"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user"`
}

// SessionRecord is the stored, revocable side of a session.
type SessionRecord struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UserUpdate holds optional account changes.
type UserUpdate struct {
	Password *string        `json:"password,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// EventType names a session-change event.
type EventType string

const (
	EventInitialSession   EventType = "INITIAL_SESSION"
	EventSignedIn         EventType = "SIGNED_IN"
	EventSignedOut        EventType = "SIGNED_OUT"
	EventTokenRefreshed   EventType = "TOKEN_REFRESHED"
	EventUserUpdated      EventType = "USER_UPDATED"
	EventPasswordRecovery EventType = "PASSWORD_RECOVERY"
)

// Event is delivered to subscribers when the client's session changes.
// Session is nil for EventSignedOut and for an empty initial session.
type Event struct {
	Type    EventType `json:"event"`
	Session *Session  `json:"session"`
}
