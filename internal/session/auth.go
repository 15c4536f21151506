// Package session owns the signed-in user and profile of one client and
// drives login, logout, password reset and profile refresh against the
// identity service and the shared profile service.
package session

import (
	"context"
	"errors"

	"github.com/partimap/bg2/internal/identity"
	"github.com/partimap/bg2/internal/remote"
)

// Auth is the identity service as seen by one Manager. *identity.Client
// satisfies it.
type Auth interface {
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*identity.User, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*identity.Session, error)
	OnAuthStateChange() *identity.Subscription
	UpdateUser(ctx context.Context, in identity.UserUpdate) (*identity.User, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	RefreshSession(ctx context.Context) (*identity.Session, error)
}

var _ Auth = (*identity.Client)(nil)

// ErrNotSignedIn is returned by operations that need a current user.
var ErrNotSignedIn = errors.New("session: not signed in")

// Upstream messages without a dedicated constant in the identity package.
const (
	MsgTooManyRequests = "Too many requests"
	MsgNetworkFailed   = "Network request failed"
)

var translations = map[string]string{
	identity.MsgInvalidCredentials:    "Email ou senha incorretos",
	identity.MsgEmailNotConfirmed:     "Email não confirmado. Verifique sua caixa de entrada.",
	identity.MsgUserAlreadyRegistered: "Este email já está cadastrado",
	identity.MsgWeakPassword:          "A senha deve ter pelo menos 6 caracteres",
	MsgTooManyRequests:                "Muitas tentativas. Aguarde alguns minutos.",
	identity.MsgUserNotFound:          "Usuário não encontrado",
	MsgNetworkFailed:                  "Erro de conexão. Verifique sua internet.",
}

// TranslateMessage maps an upstream message to its user-facing text.
// Unknown messages are returned unchanged.
func TranslateMessage(msg string) string {
	if t, ok := translations[msg]; ok {
		return t
	}
	return msg
}

// TranslateAuthError returns the user-facing text for err.
func TranslateAuthError(err error) string {
	if err == nil {
		return ""
	}
	var rerr *remote.Error
	if errors.As(err, &rerr) {
		if rerr.Kind == remote.KindNetwork {
			return TranslateMessage(MsgNetworkFailed)
		}
		if rerr.Message != "" {
			return TranslateMessage(rerr.Message)
		}
	}
	return TranslateMessage(err.Error())
}

// Error is an identity failure carrying its user-facing message.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

func translate(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Message: TranslateAuthError(err), Err: err}
}
