package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partimap/bg2/internal/remote"
)

// Store provides database operations on the profiles, companies and
// user_companies tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new profile store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const profileColumns = `id, email, full_name, role, last_login_at, created_at, updated_at`

// scanProfile scans a profile row. Memberships are loaded separately.
func scanProfile(scan func(dest ...any) error) (*Profile, error) {
	p := &Profile{UserCompanies: []CompanyMembership{}}
	if err := scan(&p.ID, &p.Email, &p.FullName, &p.Role, &p.LastLoginAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if p.Role == "" {
		p.Role = RoleUser
	}
	return p, nil
}

// GetProfile retrieves the bare profile row for userID.
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	p, err := scanProfile(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, userID,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", remote.Classify(err))
	}
	return p, nil
}

// GetProfileByEmail retrieves the bare profile row by email address.
func (s *Store) GetProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	p, err := scanProfile(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+profileColumns+` FROM profiles WHERE lower(email) = lower($1)`, email,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting profile by email: %w", remote.Classify(err))
	}
	return p, nil
}

// ActiveMemberships returns the active company memberships of userID joined
// with their company names.
func (s *Store) ActiveMemberships(ctx context.Context, userID string) ([]CompanyMembership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT uc.company_id, uc.role, uc.is_active, uc.permissions, uc.activated_at, c.name
		 FROM user_companies uc
		 LEFT JOIN companies c ON c.id = uc.company_id
		 WHERE uc.user_id = $1 AND uc.is_active
		 ORDER BY uc.activated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", remote.Classify(err))
	}
	defer rows.Close()

	memberships := []CompanyMembership{}
	for rows.Next() {
		var (
			m    CompanyMembership
			name *string
		)
		if err := rows.Scan(&m.CompanyID, &m.Role, &m.IsActive, &m.Permissions, &m.ActivatedAt, &name); err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		if name != nil {
			m.Company = &Company{ID: m.CompanyID, Name: *name}
		}
		if m.Permissions == nil {
			m.Permissions = []string{}
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating membership rows: %w", remote.Classify(err))
	}
	return memberships, nil
}

// UpdateProfile performs a partial update and returns the server-confirmed row.
func (s *Store) UpdateProfile(ctx context.Context, userID string, in Update) (*Profile, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.FullName != nil {
		setClauses = append(setClauses, fmt.Sprintf("full_name = $%d", argIdx))
		args = append(args, *in.FullName)
		argIdx++
	}
	if in.Email != nil {
		setClauses = append(setClauses, fmt.Sprintf("email = $%d", argIdx))
		args = append(args, *in.Email)
		argIdx++
	}
	if in.Role != nil {
		setClauses = append(setClauses, fmt.Sprintf("role = $%d", argIdx))
		args = append(args, *in.Role)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetProfile(ctx, userID)
	}

	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, userID)
	query := fmt.Sprintf(
		`UPDATE profiles SET %s WHERE id = $%d RETURNING `+profileColumns,
		strings.Join(setClauses, ", "), argIdx,
	)

	p, err := scanProfile(func(dest ...any) error {
		return s.pool.QueryRow(ctx, query, args...).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("updating profile: %w", remote.Classify(err))
	}
	return p, nil
}

// TouchLastLogin records the login timestamp of userID.
func (s *Store) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE profiles SET last_login_at = $1 WHERE id = $2`, at, userID)
	if err != nil {
		return fmt.Errorf("touching last login: %w", remote.Classify(err))
	}
	return nil
}

// UpsertProfile inserts or replaces the profile row of p.
func (s *Store) UpsertProfile(ctx context.Context, p *Profile) error {
	role := p.Role
	if role == "" {
		role = RoleUser
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, email, full_name, role)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, full_name = EXCLUDED.full_name,
		   role = EXCLUDED.role, updated_at = now()`,
		p.ID, p.Email, p.FullName, role,
	)
	if err != nil {
		return fmt.Errorf("upserting profile: %w", remote.Classify(err))
	}
	return nil
}

// UpsertCompany inserts or renames a company.
func (s *Store) UpsertCompany(ctx context.Context, c Company) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		c.ID, c.Name,
	)
	if err != nil {
		return fmt.Errorf("upserting company: %w", remote.Classify(err))
	}
	return nil
}

// AddMembership inserts or replaces the membership of userID in m.CompanyID.
func (s *Store) AddMembership(ctx context.Context, userID string, m CompanyMembership) error {
	perms := m.Permissions
	if perms == nil {
		perms = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_companies (user_id, company_id, role, is_active, permissions, activated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (user_id, company_id) DO UPDATE SET role = EXCLUDED.role,
		   is_active = EXCLUDED.is_active, permissions = EXCLUDED.permissions,
		   activated_at = CASE WHEN EXCLUDED.is_active AND NOT user_companies.is_active
		                       THEN now() ELSE user_companies.activated_at END`,
		userID, m.CompanyID, m.Role, m.IsActive, perms,
	)
	if err != nil {
		return fmt.Errorf("adding membership: %w", remote.Classify(err))
	}
	return nil
}
