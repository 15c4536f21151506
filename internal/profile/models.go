package profile

import "time"

// Global and company-scoped roles.
const (
	RoleSuperAdmin   = "super_admin"
	RoleConsultant   = "consultant"
	RoleCompanyAdmin = "company_admin"
	RoleUser         = "user"

	// Manager sub-roles used by the Matriz Bossa and nine-box screens.
	RoleGestor = "gestor"
	RoleAdmin  = "admin"
)

// Company is the denormalized company reference carried by a membership.
type Company struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// CompanyMembership is a user's membership in a company with a company-scoped role.
type CompanyMembership struct {
	CompanyID   string    `json:"company_id"`
	Role        string    `json:"role"`
	IsActive    bool      `json:"is_active"`
	Permissions []string  `json:"permissions"`
	Company     *Company  `json:"company,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}

// HasPermission reports whether the membership grants perm explicitly.
func (m CompanyMembership) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Profile is the application-level user record keyed 1:1 by identity user id.
type Profile struct {
	ID            string              `json:"id"`
	Email         string              `json:"email"`
	FullName      string              `json:"full_name"`
	Role          string              `json:"role"`
	UserCompanies []CompanyMembership `json:"user_companies"`
	LastLoginAt   *time.Time          `json:"last_login_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`

	// Placeholder is set on profiles synthesized because no row exists yet.
	Placeholder bool `json:"placeholder,omitempty"`
	// CompaniesHydratedAt is when UserCompanies was last loaded from the
	// backend. Zero means memberships were never hydrated.
	CompaniesHydratedAt time.Time `json:"companies_hydrated_at,omitempty"`
}

// Clone returns a deep copy so cached values are never shared with callers.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		cp.LastLoginAt = &t
	}
	cp.UserCompanies = make([]CompanyMembership, len(p.UserCompanies))
	for i, m := range p.UserCompanies {
		m.Permissions = append([]string(nil), m.Permissions...)
		if m.Company != nil {
			c := *m.Company
			m.Company = &c
		}
		cp.UserCompanies[i] = m
	}
	return &cp
}

// ActiveMemberships returns the memberships flagged active.
func (p *Profile) ActiveMemberships() []CompanyMembership {
	if p == nil {
		return nil
	}
	var out []CompanyMembership
	for _, m := range p.UserCompanies {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out
}

// NewPlaceholder synthesizes the basic profile used when no row exists.
func NewPlaceholder(userID, email string) *Profile {
	return &Profile{
		ID:            userID,
		Email:         email,
		Role:          RoleUser,
		UserCompanies: []CompanyMembership{},
		Placeholder:   true,
	}
}

// IsCritical reports whether p carries an elevated role and therefore gets
// the longer cache lifetime.
func IsCritical(p *Profile) bool {
	if p == nil {
		return false
	}
	switch p.Role {
	case RoleGestor, RoleAdmin, RoleSuperAdmin:
		return true
	}
	for _, m := range p.UserCompanies {
		if !m.IsActive {
			continue
		}
		if m.Role == RoleGestor || m.Role == RoleAdmin {
			return true
		}
	}
	return false
}

// Update holds optional fields for a partial profile update.
type Update struct {
	FullName *string `json:"full_name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Role     *string `json:"role,omitempty"`
}

// Empty reports whether the update carries no fields.
func (u Update) Empty() bool {
	return u.FullName == nil && u.Email == nil && u.Role == nil
}
