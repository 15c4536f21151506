// Package permission derives role tiers and capabilities from a profile.
// Every function here is pure; a nil profile grants nothing.
package permission

import (
	"sort"
	"sync"

	"github.com/partimap/bg2/internal/profile"
)

// Named capabilities accepted by HasPermission.
const (
	CanInviteUsers       = "canInviteUsers"
	CanManageUsers       = "canManageUsers"
	CanViewUsers         = "canViewUsers"
	CanDeleteUsers       = "canDeleteUsers"
	CanCreateCompanies   = "canCreateCompanies"
	CanManageCompanies   = "canManageCompanies"
	CanViewAllCompanies  = "canViewAllCompanies"
	CanManagePermissions = "canManagePermissions"
	CanManageSettings    = "canManageSettings"
	CanViewActivityLogs  = "canViewActivityLogs"
	CanEditMatrix        = "canEditMatrix"
	CanViewFinancials    = "canViewFinancials"
	CanExportData        = "canExportData"
)

// Permissions is the derived view of a profile's roles and capabilities.
type Permissions struct {
	IsSuperAdmin   bool `json:"isSuperAdmin"`
	IsConsultant   bool `json:"isConsultant"`
	IsCompanyAdmin bool `json:"isCompanyAdmin"`
	IsUser         bool `json:"isUser"`

	CanInviteUsers       bool `json:"canInviteUsers"`
	CanManageUsers       bool `json:"canManageUsers"`
	CanViewUsers         bool `json:"canViewUsers"`
	CanDeleteUsers       bool `json:"canDeleteUsers"`
	CanCreateCompanies   bool `json:"canCreateCompanies"`
	CanManageCompanies   bool `json:"canManageCompanies"`
	CanViewAllCompanies  bool `json:"canViewAllCompanies"`
	CanManagePermissions bool `json:"canManagePermissions"`
	CanManageSettings    bool `json:"canManageSettings"`
	CanViewActivityLogs  bool `json:"canViewActivityLogs"`
	CanEditMatrix        bool `json:"canEditMatrix"`
	CanViewFinancials    bool `json:"canViewFinancials"`
	CanExportData        bool `json:"canExportData"`

	profile *profile.Profile
	active  *profile.CompanyMembership
}

// Derive computes the permission view of p.
func Derive(p *profile.Profile) *Permissions {
	perms := &Permissions{profile: p, active: activeMembership(p)}
	if p == nil {
		return perms
	}

	perms.IsSuperAdmin = p.Role == profile.RoleSuperAdmin
	perms.IsConsultant = perms.IsSuperAdmin || p.Role == profile.RoleConsultant
	perms.IsCompanyAdmin = perms.IsConsultant || p.Role == profile.RoleCompanyAdmin
	perms.IsUser = perms.IsCompanyAdmin || p.Role == profile.RoleUser

	elevated := perms.IsSuperAdmin || perms.IsConsultant || perms.IsCompanyAdmin
	consulting := perms.IsSuperAdmin || perms.IsConsultant

	perms.CanInviteUsers = elevated
	perms.CanManageUsers = elevated
	perms.CanViewUsers = true
	perms.CanDeleteUsers = perms.IsSuperAdmin
	perms.CanCreateCompanies = perms.IsSuperAdmin
	perms.CanManageCompanies = consulting
	perms.CanViewAllCompanies = consulting
	perms.CanManagePermissions = perms.IsSuperAdmin
	perms.CanManageSettings = elevated
	perms.CanViewActivityLogs = elevated
	perms.CanEditMatrix = elevated
	perms.CanViewFinancials = perms.IsUser
	perms.CanExportData = elevated
	return perms
}

// capability returns the flag for a named capability.
func (p *Permissions) capability(name string) (value, ok bool) {
	switch name {
	case CanInviteUsers:
		return p.CanInviteUsers, true
	case CanManageUsers:
		return p.CanManageUsers, true
	case CanViewUsers:
		return p.CanViewUsers, true
	case CanDeleteUsers:
		return p.CanDeleteUsers, true
	case CanCreateCompanies:
		return p.CanCreateCompanies, true
	case CanManageCompanies:
		return p.CanManageCompanies, true
	case CanViewAllCompanies:
		return p.CanViewAllCompanies, true
	case CanManagePermissions:
		return p.CanManagePermissions, true
	case CanManageSettings:
		return p.CanManageSettings, true
	case CanViewActivityLogs:
		return p.CanViewActivityLogs, true
	case CanEditMatrix:
		return p.CanEditMatrix, true
	case CanViewFinancials:
		return p.CanViewFinancials, true
	case CanExportData:
		return p.CanExportData, true
	}
	return false, false
}

// HasPermission reports whether the profile holds perm. Super admins hold
// everything; named capabilities use their flag; anything else is looked up
// in the active company membership.
func (p *Permissions) HasPermission(perm string) bool {
	if p.profile == nil {
		return false
	}
	if p.IsSuperAdmin {
		return true
	}
	if v, ok := p.capability(perm); ok {
		return v
	}
	if p.active == nil {
		return false
	}
	return p.active.HasPermission(perm)
}

// HasRole reports whether the global role or the active company role is one
// of roles.
func (p *Permissions) HasRole(roles ...string) bool {
	if p.profile == nil {
		return false
	}
	for _, r := range roles {
		if p.profile.Role == r {
			return true
		}
		if p.active != nil && p.active.Role == r {
			return true
		}
	}
	return false
}

// HasCompanyPermission reports whether an active membership in companyID
// grants perm, either explicitly or through a consultant or company_admin
// membership role. Super admins hold every company permission.
func (p *Permissions) HasCompanyPermission(companyID, perm string) bool {
	if p.profile == nil {
		return false
	}
	if p.IsSuperAdmin {
		return true
	}
	for _, m := range p.profile.UserCompanies {
		if m.CompanyID != companyID || !m.IsActive {
			continue
		}
		if m.Role == profile.RoleConsultant || m.Role == profile.RoleCompanyAdmin || m.HasPermission(perm) {
			return true
		}
	}
	return false
}

// CanAccessCompany reports whether the profile may open companyID.
// Super admins see every company; others need an active membership.
func (p *Permissions) CanAccessCompany(companyID string) bool {
	if p.profile == nil {
		return false
	}
	if p.IsSuperAdmin {
		return true
	}
	for _, m := range p.profile.UserCompanies {
		if m.CompanyID == companyID && m.IsActive {
			return true
		}
	}
	return false
}

// ActiveCompany returns the company of the active membership, or nil.
func (p *Permissions) ActiveCompany() *profile.Company {
	if p.active == nil {
		return nil
	}
	return companyOf(*p.active)
}

// ActiveMembership returns the membership ActiveCompany is derived from.
func (p *Permissions) ActiveMembership() *profile.CompanyMembership {
	if p.active == nil {
		return nil
	}
	m := *p.active
	return &m
}

// UserCompanies lists the companies of every active membership.
func (p *Permissions) UserCompanies() []profile.Company {
	companies := []profile.Company{}
	if p.profile == nil {
		return companies
	}
	for _, m := range p.profile.UserCompanies {
		if m.IsActive {
			companies = append(companies, *companyOf(m))
		}
	}
	return companies
}

// IsUnlinkedUser reports whether a non-consultant profile has no active
// company membership.
func (p *Permissions) IsUnlinkedUser() bool {
	if p.profile == nil {
		return false
	}
	return !p.IsConsultant && p.active == nil
}

func companyOf(m profile.CompanyMembership) *profile.Company {
	if m.Company != nil {
		c := *m.Company
		if c.ID == "" {
			c.ID = m.CompanyID
		}
		return &c
	}
	return &profile.Company{ID: m.CompanyID}
}

// activeMembership picks the most recently activated active membership,
// breaking ties by the smallest company id, so the result does not depend
// on the order memberships were loaded in.
func activeMembership(p *profile.Profile) *profile.CompanyMembership {
	if p == nil {
		return nil
	}
	active := p.ActiveMemberships()
	if len(active) == 0 {
		return nil
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].ActivatedAt.Equal(active[j].ActivatedAt) {
			return active[i].ActivatedAt.After(active[j].ActivatedAt)
		}
		return active[i].CompanyID < active[j].CompanyID
	})
	m := active[0]
	return &m
}

// Resolver memoizes Derive by profile identity. Holders of a profile swap
// the pointer whenever the profile changes, so identity is the change signal.
type Resolver struct {
	mu    sync.Mutex
	last  *profile.Profile
	perms *Permissions
}

// For returns the permissions of p, recomputing only when p is a different
// pointer than the previous call.
func (r *Resolver) For(p *profile.Profile) *Permissions {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.perms != nil && r.last == p {
		return r.perms
	}
	r.last = p
	r.perms = Derive(p)
	return r.perms
}
