// Package accounts keeps the per-device list of accounts offered on the
// login screen.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/partimap/bg2/internal/kv"
)

// MaxAccounts is the number of accounts remembered per device.
const MaxAccounts = 5

// ErrNotFound is returned when the account is not in the list.
var ErrNotFound = errors.New("saved account not found")

// ErrNoPassword is returned when no password is stored for the account.
var ErrNoPassword = errors.New("no saved password for account")

// SavedAccount is one entry of the saved-accounts list.
type SavedAccount struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name"`
	AvatarURL         string    `json:"avatar_url,omitempty"`
	LastLogin         time.Time `json:"last_login"`
	EncryptedPassword string    `json:"encrypted_password,omitempty"`
}

// HasPassword reports whether a sealed password is stored.
func (a SavedAccount) HasPassword() bool { return a.EncryptedPassword != "" }

// Store persists saved-account lists in a kv.Store, one list per device.
type Store struct {
	kv     kv.Store
	sealer *Sealer
	now    func() time.Time
}

// NewStore creates a Store. A nil sealer disables password storage.
func NewStore(store kv.Store, sealer *Sealer) *Store {
	return &Store{kv: store, sealer: sealer, now: time.Now}
}

func storageKey(deviceID string) string { return "saved_accounts:" + deviceID }

// List returns the accounts of deviceID, most recently used first.
func (s *Store) List(ctx context.Context, deviceID string) ([]SavedAccount, error) {
	data, err := s.kv.Get(ctx, storageKey(deviceID))
	if errors.Is(err, kv.ErrNotFound) {
		return []SavedAccount{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading saved accounts: %w", err)
	}

	var list []SavedAccount
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding saved accounts: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].LastLogin.After(list[j].LastLogin) })
	return list, nil
}

// Remember adds or refreshes acct for deviceID and stamps it as just used.
// When password is non-empty and a sealer is configured the password is
// stored encrypted; otherwise any previously stored password is kept.
// The list is trimmed to MaxAccounts, dropping the least recently used.
func (s *Store) Remember(ctx context.Context, deviceID string, acct SavedAccount, password string) (SavedAccount, error) {
	if strings.TrimSpace(acct.ID) == "" {
		return SavedAccount{}, fmt.Errorf("saved account id is required")
	}
	list, err := s.List(ctx, deviceID)
	if err != nil {
		return SavedAccount{}, err
	}

	acct.LastLogin = s.now().UTC()
	acct.EncryptedPassword = ""
	rest := make([]SavedAccount, 0, len(list))
	for _, a := range list {
		if a.ID == acct.ID {
			acct.EncryptedPassword = a.EncryptedPassword
			continue
		}
		rest = append(rest, a)
	}

	if password != "" && s.sealer != nil {
		blob, err := s.sealer.Seal(acct.ID, password)
		if err != nil {
			return SavedAccount{}, fmt.Errorf("sealing password: %w", err)
		}
		acct.EncryptedPassword = blob
	}

	list = append([]SavedAccount{acct}, rest...)
	if len(list) > MaxAccounts {
		list = list[:MaxAccounts]
	}
	if err := s.save(ctx, deviceID, list); err != nil {
		return SavedAccount{}, err
	}
	return acct, nil
}

// Forget removes accountID from deviceID's list.
func (s *Store) Forget(ctx context.Context, deviceID, accountID string) error {
	list, err := s.List(ctx, deviceID)
	if err != nil {
		return err
	}
	out := make([]SavedAccount, 0, len(list))
	for _, a := range list {
		if a.ID != accountID {
			out = append(out, a)
		}
	}
	if len(out) == len(list) {
		return ErrNotFound
	}
	return s.save(ctx, deviceID, out)
}

// Password returns the decrypted saved password of accountID.
func (s *Store) Password(ctx context.Context, deviceID, accountID string) (string, error) {
	list, err := s.List(ctx, deviceID)
	if err != nil {
		return "", err
	}
	for _, a := range list {
		if a.ID != accountID {
			continue
		}
		if !a.HasPassword() || s.sealer == nil {
			return "", ErrNoPassword
		}
		return s.sealer.Open(a.ID, a.EncryptedPassword)
	}
	return "", ErrNotFound
}

func (s *Store) save(ctx context.Context, deviceID string, list []SavedAccount) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encoding saved accounts: %w", err)
	}
	if err := s.kv.Set(ctx, storageKey(deviceID), data); err != nil {
		return fmt.Errorf("storing saved accounts: %w", err)
	}
	return nil
}
