package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Client is one consumer's view of the identity service: it holds the
// consumer's current session and streams changes to it.
type Client struct {
	p      *Provider
	events *Broadcaster

	mu      sync.Mutex
	session *Session
}

// NewClient returns a signed-out client.
func (p *Provider) NewClient() *Client {
	return &Client{p: p, events: NewBroadcaster()}
}

// ResumeClient returns a client already holding the session of token.
func (p *Provider) ResumeClient(ctx context.Context, token string) (*Client, error) {
	sess, err := p.Resume(ctx, token)
	if err != nil {
		return nil, err
	}
	c := p.NewClient()
	c.session = sess
	return c, nil
}

// setSession replaces the current session and emits typ. Holding mu across
// both keeps emission order equal to state-change order.
func (c *Client) setSession(sess *Session, typ EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = sess
	c.events.Emit(Event{Type: typ, Session: sess})
}

func (c *Client) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SignInWithPassword signs the client in.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	sess, err := c.p.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.setSession(sess, EventSignedIn)
	return sess, nil
}

// SignUp creates an account. The client stays signed out.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*User, error) {
	return c.p.SignUp(ctx, email, password, metadata)
}

// SignOut revokes the current session remotely and always clears it
// locally. The remote error, if any, is returned after the local sign-out.
func (c *Client) SignOut(ctx context.Context) error {
	sess := c.current()
	var err error
	if sess != nil {
		err = c.p.SignOut(ctx, sess)
	}
	c.setSession(nil, EventSignedOut)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// GetSession returns the current session, or nil when signed out.
func (c *Client) GetSession(context.Context) (*Session, error) {
	return c.current(), nil
}

// OnAuthStateChange subscribes to session changes. The first event is
// always EventInitialSession carrying the current session.
func (c *Client) OnAuthStateChange() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events.Subscribe(Event{Type: EventInitialSession, Session: c.session})
}

// UpdateUser changes the signed-in user's password or metadata.
func (c *Client) UpdateUser(ctx context.Context, in UserUpdate) (*User, error) {
	sess := c.current()
	if sess == nil || sess.User == nil {
		return nil, ErrNoSession
	}
	u, err := c.p.UpdateUser(ctx, sess.User.ID, in)
	if err != nil {
		return nil, err
	}
	next := *sess
	next.User = u
	c.setSession(&next, EventUserUpdated)
	return u, nil
}

// ResetPasswordForEmail requests a password reset link for email.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	return c.p.ResetPasswordForEmail(ctx, email, redirectTo)
}

// RefreshSession rotates the access token of the current session.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	sess := c.current()
	if sess == nil {
		return nil, ErrNoSession
	}
	next, err := c.p.RefreshSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	c.setSession(next, EventTokenRefreshed)
	return next, nil
}

// Recover exchanges a password reset token for a recovery session.
func (c *Client) Recover(ctx context.Context, token string) (*Session, error) {
	sess, err := c.p.VerifyPasswordReset(ctx, token)
	if err != nil {
		return nil, err
	}
	c.setSession(sess, EventPasswordRecovery)
	return sess, nil
}

// Close ends every subscription of the client.
func (c *Client) Close() {
	c.events.Close()
	slog.Debug("identity client closed")
}
