package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partimap/bg2/internal/remote"
)

// Backend is the persistence the Provider needs. *Store satisfies it.
type Backend interface {
	CreateUser(ctx context.Context, email, passwordHash string, metadata map[string]any, confirmed bool) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, id string, passwordHash *string, data map[string]any) (*User, error)
	CreateSession(ctx context.Context, userID string, expiresAt time.Time) (*SessionRecord, error)
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, id string) error
	CreatePasswordReset(ctx context.Context, tokenHash, userID, redirectTo string, expiresAt time.Time) error
	ConsumePasswordReset(ctx context.Context, tokenHash string) (userID string, err error)
}

// Store provides database operations on the auth_users, auth_sessions and
// auth_password_resets tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new identity store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, email, email_confirmed, metadata, created_at, password_hash`

// scanUser scans a user row, defaulting a NULL metadata column to an empty map.
func scanUser(scan func(dest ...any) error) (*User, error) {
	u := &User{}
	if err := scan(&u.ID, &u.Email, &u.EmailConfirmed, &u.Metadata, &u.CreatedAt, &u.PasswordHash); err != nil {
		return nil, err
	}
	if u.Metadata == nil {
		u.Metadata = map[string]any{}
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateUser inserts a new account with an already hashed password.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, metadata map[string]any, confirmed bool) (*User, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO auth_users (id, email, password_hash, email_confirmed, metadata)
			 VALUES ($1, lower($2), $3, $4, $5)
			 RETURNING `+userColumns,
			uuid.NewString(), strings.TrimSpace(email), passwordHash, confirmed, metadata,
		).Scan(dest...)
	})
	if isUniqueViolation(err) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", remote.Classify(err))
	}
	return u, nil
}

// GetUserByID retrieves an account by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM auth_users WHERE id = $1`, id,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting user by id: %w", remote.Classify(err))
	}
	return u, nil
}

// GetUserByEmail retrieves an account by email address, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM auth_users WHERE email = lower($1)`, strings.TrimSpace(email),
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", remote.Classify(err))
	}
	return u, nil
}

// UpdateUser replaces the password hash and merges data into the metadata
// when given.
func (s *Store) UpdateUser(ctx context.Context, id string, passwordHash *string, data map[string]any) (*User, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if passwordHash != nil {
		setClauses = append(setClauses, fmt.Sprintf("password_hash = $%d", argIdx))
		args = append(args, *passwordHash)
		argIdx++
	}
	if len(data) > 0 {
		setClauses = append(setClauses, fmt.Sprintf("metadata = metadata || $%d", argIdx))
		args = append(args, data)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetUserByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE auth_users SET %s WHERE id = $%d RETURNING `+userColumns,
		strings.Join(setClauses, ", "), argIdx,
	)
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx, query, args...).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("updating user: %w", remote.Classify(err))
	}
	return u, nil
}

// CreateSession stores a new session row for userID.
func (s *Store) CreateSession(ctx context.Context, userID string, expiresAt time.Time) (*SessionRecord, error) {
	rec := &SessionRecord{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO auth_sessions (id, user_id, expires_at)
		 VALUES ($1, $2, $3)
		 RETURNING id, user_id, created_at, expires_at`,
		uuid.NewString(), userID, expiresAt,
	).Scan(&rec.ID, &rec.UserID, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", remote.Classify(err))
	}
	return rec, nil
}

// GetSession returns the session row if it exists and has not expired.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	rec := &SessionRecord{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at, expires_at FROM auth_sessions
		 WHERE id = $1 AND expires_at > now()`, id,
	).Scan(&rec.ID, &rec.UserID, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", remote.Classify(err))
	}
	return rec, nil
}

// ExtendSession moves the expiry of a live session.
func (s *Store) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auth_sessions SET expires_at = $1 WHERE id = $2 AND expires_at > now()`, expiresAt, id)
	if err != nil {
		return fmt.Errorf("extending session: %w", remote.Classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("extending session: %w", remote.NotFound("session"))
	}
	return nil
}

// DeleteSession removes a session row. Deleting a missing session is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting session: %w", remote.Classify(err))
	}
	return nil
}

// CleanExpiredSessions deletes expired sessions and password resets.
func (s *Store) CleanExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning expired sessions: %w", remote.Classify(err))
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_password_resets WHERE expires_at < now()`); err != nil {
		return 0, fmt.Errorf("cleaning expired password resets: %w", remote.Classify(err))
	}
	return tag.RowsAffected(), nil
}

// CreatePasswordReset records a hashed reset token.
func (s *Store) CreatePasswordReset(ctx context.Context, tokenHash, userID, redirectTo string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_password_resets (token_hash, user_id, redirect_to, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		tokenHash, userID, redirectTo, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating password reset: %w", remote.Classify(err))
	}
	return nil
}

// ConsumePasswordReset deletes a live reset token and returns its user id.
func (s *Store) ConsumePasswordReset(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM auth_password_resets WHERE token_hash = $1 AND expires_at > now()
		 RETURNING user_id`, tokenHash,
	).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("consuming password reset: %w", remote.Classify(err))
	}
	return userID, nil
}
