package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/partimap/bg2/internal/activity"
	"github.com/partimap/bg2/internal/config"
	"github.com/partimap/bg2/internal/profile"
	"github.com/partimap/bg2/internal/session"
	"github.com/spf13/cobra"
)

var (
	whoamiEmail    string
	whoamiPassword string
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Sign in and print the resolved profile and permissions",
	RunE:  runWhoami,
}

func init() {
	whoamiCmd.Flags().StringVar(&whoamiEmail, "email", "", "account email")
	whoamiCmd.Flags().StringVar(&whoamiPassword, "password", "", "account password (default: $BG2_PASSWORD)")
	_ = whoamiCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(whoamiCmd)
}

func runWhoami(cmd *cobra.Command, args []string) error {
	if whoamiPassword == "" {
		whoamiPassword = os.Getenv("BG2_PASSWORD")
	}
	if whoamiPassword == "" {
		return errors.New("--password or BG2_PASSWORD is required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	m := session.NewManager(svc.provider.NewClient(), svc.profiles, activity.NewLogger(nil, svc.store), session.Options{
		MinLogoutDuration: time.Millisecond,
	})
	defer m.Close()
	if err := m.Start(ctx); err != nil {
		return err
	}
	if _, err := m.SignIn(ctx, whoamiEmail, whoamiPassword); err != nil {
		return err
	}
	waitForMemberships(ctx, m, 2*time.Second)

	st := m.State()
	out := map[string]any{
		"user":           st.User,
		"profile":        st.Profile,
		"permissions":    m.Permissions(),
		"active_company": m.ActiveCompany(),
		"is_unlinked":    m.IsUnlinkedUser(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return m.SignOut(ctx)
}

// waitForMemberships gives the deferred company hydration a chance to land.
func waitForMemberships(ctx context.Context, m *session.Manager, limit time.Duration) {
	hydrated := func(p *profile.Profile) bool {
		return p == nil || p.Placeholder || !p.CompaniesHydratedAt.IsZero()
	}
	if hydrated(m.State().Profile) {
		return
	}
	done := make(chan struct{}, 1)
	cancel := m.OnChange(func(st session.State) {
		if hydrated(st.Profile) {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()
	if hydrated(m.State().Profile) {
		return
	}

	select {
	case <-done:
	case <-time.After(limit):
	case <-ctx.Done():
	}
}
