package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/partimap/bg2/internal/remote"
)

// Options configures a Provider.
type Options struct {
	SessionTTL  time.Duration // lifetime of a session row, extended on refresh
	ResetTTL    time.Duration // lifetime of a password reset token
	AutoConfirm bool          // mark new accounts as confirmed on sign-up
	BcryptCost  int
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 7 * 24 * time.Hour
	}
	if o.ResetTTL <= 0 {
		o.ResetTTL = time.Hour
	}
	if o.BcryptCost == 0 {
		o.BcryptCost = bcrypt.DefaultCost
	}
	return o
}

// ResetNotifier delivers a password reset link to email.
type ResetNotifier func(ctx context.Context, email, link string)

// MetricsRecorder is an optional interface for recording identity metrics.
type MetricsRecorder interface {
	IncAuthAttempt(op, result string)
}

// Provider implements the identity operations against a Backend.
type Provider struct {
	backend  Backend
	tokens   *Tokens
	opts     Options
	notifier ResetNotifier
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewProvider creates a Provider.
func NewProvider(backend Backend, tokens *Tokens, opts Options) *Provider {
	return &Provider{
		backend: backend,
		tokens:  tokens,
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// SetResetNotifier sets how reset links are delivered. Without one, the
// request is only logged.
func (p *Provider) SetResetNotifier(n ResetNotifier) {
	p.notifier = n
}

// SetMetrics sets the optional metrics recorder.
func (p *Provider) SetMetrics(m MetricsRecorder) {
	p.metrics = m
}

func (p *Provider) observe(op string, err error) {
	if p.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = remote.KindOf(err).String()
	}
	p.metrics.IncAuthAttempt(op, result)
}

// SignInWithPassword verifies credentials and opens a new session.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (sess *Session, err error) {
	defer func() { p.observe("sign_in", err) }()

	u, err := p.backend.GetUserByEmail(ctx, email)
	if remote.IsNotFound(err) {
		return nil, remote.Auth(MsgInvalidCredentials)
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, remote.Auth(MsgInvalidCredentials)
	}
	if !u.EmailConfirmed {
		return nil, remote.Auth(MsgEmailNotConfirmed)
	}
	return p.openSession(ctx, u)
}

// SignUp creates an account.
func (p *Provider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (u *User, err error) {
	defer func() { p.observe("sign_up", err) }()

	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, remote.Auth("Unable to validate email address: invalid format")
	}
	if len(password) < MinPasswordLength {
		return nil, remote.Auth(MsgWeakPassword)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u, err = p.backend.CreateUser(ctx, email, string(hash), metadata, p.opts.AutoConfirm)
	if errors.Is(err, ErrEmailTaken) {
		return nil, remote.Auth(MsgUserAlreadyRegistered)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// SignOut revokes sess.
func (p *Provider) SignOut(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	return p.backend.DeleteSession(ctx, sess.ID)
}

// Resume validates a previously issued access token against its session
// row and returns the session it belongs to.
func (p *Provider) Resume(ctx context.Context, token string) (*Session, error) {
	claims, err := p.tokens.Parse(token)
	if err != nil {
		return nil, remote.Auth(MsgInvalidSession)
	}
	rec, err := p.backend.GetSession(ctx, claims.ID)
	if remote.IsNotFound(err) {
		return nil, remote.Auth(MsgInvalidSession)
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != claims.Subject {
		return nil, remote.Auth(MsgInvalidSession)
	}
	u, err := p.backend.GetUserByID(ctx, rec.UserID)
	if remote.IsNotFound(err) {
		return nil, remote.Auth(MsgUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:          rec.ID,
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   claims.ExpiresAt.Time,
		User:        u,
	}, nil
}

// RefreshSession extends sess and issues a new access token for it.
func (p *Provider) RefreshSession(ctx context.Context, sess *Session) (*Session, error) {
	if sess == nil || sess.User == nil {
		return nil, ErrNoSession
	}
	err := p.backend.ExtendSession(ctx, sess.ID, p.now().UTC().Add(p.opts.SessionTTL))
	if remote.IsNotFound(err) {
		return nil, remote.Auth(MsgInvalidSession)
	}
	if err != nil {
		return nil, err
	}
	token, exp, err := p.tokens.Issue(sess.User.ID, sess.User.Email, sess.ID)
	if err != nil {
		return nil, err
	}
	return &Session{ID: sess.ID, AccessToken: token, TokenType: "bearer", ExpiresAt: exp, User: sess.User}, nil
}

// UpdateUser changes the password and/or metadata of userID.
func (p *Provider) UpdateUser(ctx context.Context, userID string, in UserUpdate) (*User, error) {
	var hash *string
	if in.Password != nil {
		if len(*in.Password) < MinPasswordLength {
			return nil, remote.Auth(MsgWeakPassword)
		}
		h, err := bcrypt.GenerateFromPassword([]byte(*in.Password), p.opts.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
		s := string(h)
		hash = &s
	}
	u, err := p.backend.UpdateUser(ctx, userID, hash, in.Data)
	if remote.IsNotFound(err) {
		return nil, remote.Auth(MsgUserNotFound)
	}
	return u, err
}

// ResetPasswordForEmail records a reset token for email and hands the link
// to the notifier. Unknown addresses succeed silently.
func (p *Provider) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	u, err := p.backend.GetUserByEmail(ctx, email)
	if remote.IsNotFound(err) {
		slog.Info("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generating reset token: %w", err)
	}
	token := hex.EncodeToString(b)
	expires := p.now().UTC().Add(p.opts.ResetTTL)
	if err := p.backend.CreatePasswordReset(ctx, hashToken(token), u.ID, redirectTo, expires); err != nil {
		return err
	}

	slog.Info("password reset requested", "user_id", u.ID, "redirect_to", redirectTo)
	if p.notifier != nil {
		p.notifier(ctx, u.Email, resetLink(redirectTo, token))
	}
	return nil
}

// VerifyPasswordReset consumes a reset token and opens a recovery session.
func (p *Provider) VerifyPasswordReset(ctx context.Context, token string) (*Session, error) {
	userID, err := p.backend.ConsumePasswordReset(ctx, hashToken(token))
	if remote.IsNotFound(err) {
		return nil, remote.Auth("Token has expired or is invalid")
	}
	if err != nil {
		return nil, err
	}
	u, err := p.backend.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.openSession(ctx, u)
}

func (p *Provider) openSession(ctx context.Context, u *User) (*Session, error) {
	rec, err := p.backend.CreateSession(ctx, u.ID, p.now().UTC().Add(p.opts.SessionTTL))
	if err != nil {
		return nil, err
	}
	token, exp, err := p.tokens.Issue(u.ID, u.Email, rec.ID)
	if err != nil {
		return nil, err
	}
	return &Session{ID: rec.ID, AccessToken: token, TokenType: "bearer", ExpiresAt: exp, User: u}, nil
}

func hashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

func resetLink(redirectTo, token string) string {
	u, err := url.Parse(redirectTo)
	if err != nil || redirectTo == "" {
		return "?type=recovery&token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("type", "recovery")
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
