package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/partimap/bg2/internal/config"
	"github.com/partimap/bg2/internal/permission"
	"github.com/partimap/bg2/internal/profile"
	"github.com/partimap/bg2/internal/remote"
	"github.com/spf13/cobra"
)

var seedPassword string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo companies and one user per role",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedPassword, "password", "partimap123", "password for every seeded user")
	rootCmd.AddCommand(seedCmd)
}

type demoUser struct {
	email    string
	name     string
	role     string
	company  int // index into demoCompanies, -1 for none
	compRole string
	perms    []string
}

var demoCompanies = []string{"Acme Indústria", "Beta Serviços"}

var demoUsers = []demoUser{
	{"admin@partimap.local", "Super Admin", profile.RoleSuperAdmin, -1, "", nil},
	{"consultor@partimap.local", "Consultor", profile.RoleConsultant, 0, profile.RoleConsultant, nil},
	{"gestor@acme.local", "Gestora Acme", profile.RoleUser, 0, profile.RoleGestor, []string{permission.CanEditMatrix, permission.CanViewFinancials}},
	{"empresa@beta.local", "Admin Beta", profile.RoleCompanyAdmin, 1, profile.RoleCompanyAdmin, nil},
	{"usuario@acme.local", "Usuário Acme", profile.RoleUser, 0, profile.RoleUser, []string{permission.CanViewFinancials}},
	{"semvinculo@partimap.local", "Sem Vínculo", profile.RoleUser, -1, "", nil},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		// Seeding never issues tokens.
		cfg.Auth.JWTSecret = uuid.NewString()
	}

	ctx := context.Background()
	svc, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	companyIDs := make([]string, len(demoCompanies))
	for i, name := range demoCompanies {
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("bg2:company:"+name)).String()
		if err := svc.profileS.UpsertCompany(ctx, profile.Company{ID: id, Name: name}); err != nil {
			return fmt.Errorf("creating company %q: %w", name, err)
		}
		companyIDs[i] = id
		slog.Info("company ready", "name", name, "id", id)
	}

	for _, du := range demoUsers {
		u, err := svc.users.GetUserByEmail(ctx, du.email)
		if remote.IsNotFound(err) {
			u, err = svc.provider.SignUp(ctx, du.email, seedPassword, map[string]any{"full_name": du.name})
		}
		if err != nil {
			return fmt.Errorf("creating user %s: %w", du.email, err)
		}

		if err := svc.profileS.UpsertProfile(ctx, &profile.Profile{ID: u.ID, Email: u.Email, FullName: du.name, Role: du.role}); err != nil {
			return fmt.Errorf("creating profile %s: %w", du.email, err)
		}
		if du.company >= 0 {
			err := svc.profileS.AddMembership(ctx, u.ID, profile.CompanyMembership{
				CompanyID:   companyIDs[du.company],
				Role:        du.compRole,
				IsActive:    true,
				Permissions: du.perms,
			})
			if err != nil {
				return fmt.Errorf("linking %s: %w", du.email, err)
			}
		}
		slog.Info("user ready", "email", du.email, "role", du.role, "id", u.ID)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Companies: %d\n", len(demoCompanies))
	fmt.Printf("Users:     %d (password %q)\n", len(demoUsers), seedPassword)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  bg2 whoami --email %s --password %s\n", demoUsers[2].email, seedPassword)
	return nil
}
