package activity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/partimap/bg2/internal/kv"
)

// Sink receives every recorded entry. *Collector is the production sink.
type Sink interface {
	Record(e Entry)
}

// Actor identifies the authenticated user entries are attributed to.
type Actor struct {
	UserID string
	Email  string
	Name   string
}

// Logger records user actions into a local Ring and forwards them to a
// Sink. One Logger belongs to one session. Snapshots reach the store from a
// background writer, so Log never waits on storage.
type Logger struct {
	mu    sync.Mutex
	actor *Actor
	ring  *Ring
	sink  Sink
	store kv.Store
	now   func() time.Time

	snapMu   sync.Mutex
	snapNext map[string][]Entry // latest unsaved snapshot per user
	snapBusy bool
	snapWG   sync.WaitGroup
}

// NewLogger creates a Logger. sink and store may be nil.
func NewLogger(sink Sink, store kv.Store) *Logger {
	return &Logger{
		ring:     NewRing(DefaultCapacity),
		sink:     sink,
		store:    store,
		now:      time.Now,
		snapNext: make(map[string][]Entry),
	}
}

// StorageKey is the local storage key of the snapshot for userID.
func StorageKey(userID string) string { return "activity_logs:" + userID }

// SetActor attributes subsequent entries to a. When the user changes, the
// ring is replaced by the stored snapshot of the new user. A nil actor
// disables logging and empties the ring.
func (l *Logger) SetActor(ctx context.Context, a *Actor) {
	l.mu.Lock()
	prev := l.actor
	if a != nil {
		cp := *a
		l.actor = &cp
	} else {
		l.actor = nil
	}
	l.mu.Unlock()

	if a == nil {
		l.ring.Clear()
		return
	}
	if prev != nil && prev.UserID == a.UserID {
		return
	}
	l.ring.Replace(l.restore(ctx, a.UserID))
}

// Actor returns the current actor, or nil.
func (l *Logger) Actor() *Actor {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.actor == nil {
		return nil
	}
	cp := *l.actor
	return &cp
}

// Log records action for the current actor. It returns false without
// recording anything when no user is authenticated.
func (l *Logger) Log(ctx context.Context, action string, details Details, target Target) (Entry, bool) {
	actor := l.Actor()
	if actor == nil {
		return Entry{}, false
	}

	now := l.now().UTC()
	e := Entry{
		ID:           newID(now),
		UserID:       actor.UserID,
		UserEmail:    actor.Email,
		UserName:     actor.Name,
		Action:       action,
		Details:      copyDetails(details),
		Timestamp:    now,
		CompanyID:    target.CompanyID,
		ResourceType: target.ResourceType,
		ResourceID:   target.ResourceID,
	}

	l.ring.Push(e)
	l.persist(actor.UserID)
	if l.sink != nil {
		l.sink.Record(e)
	}
	return e, true
}

// Entries returns the local entries most recent first.
func (l *Logger) Entries() []Entry {
	return l.ring.Entries()
}

// Clear empties the local ring and its stored snapshot.
func (l *Logger) Clear(ctx context.Context) {
	l.ring.Clear()
	actor := l.Actor()
	if actor == nil || l.store == nil {
		return
	}
	l.snapMu.Lock()
	delete(l.snapNext, actor.UserID)
	l.snapMu.Unlock()
	l.Flush()

	sctx, cancel := context.WithTimeout(ctx, kv.Timeout)
	defer cancel()
	if err := l.store.Delete(sctx, StorageKey(actor.UserID)); err != nil {
		slog.Warn("failed to delete activity snapshot", "user_id", actor.UserID, "error", err)
	}
}

// Flush waits until every queued snapshot has been written.
func (l *Logger) Flush() {
	l.snapWG.Wait()
}

// persist queues the current ring as userID's snapshot. Only the latest
// queued snapshot per user is written.
func (l *Logger) persist(userID string) {
	if l.store == nil {
		return
	}
	entries := l.ring.Entries()

	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	l.snapNext[userID] = entries
	if l.snapBusy {
		return
	}
	l.snapBusy = true
	l.snapWG.Add(1)
	go l.writeSnapshots()
}

func (l *Logger) writeSnapshots() {
	defer l.snapWG.Done()
	for {
		l.snapMu.Lock()
		var userID string
		var entries []Entry
		found := false
		for id, e := range l.snapNext {
			userID, entries, found = id, e, true
			break
		}
		if !found {
			l.snapBusy = false
			l.snapMu.Unlock()
			return
		}
		delete(l.snapNext, userID)
		l.snapMu.Unlock()

		data, err := json.Marshal(entries)
		if err != nil {
			slog.Warn("failed to encode activity snapshot", "user_id", userID, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), kv.Timeout)
		if err := l.store.Set(ctx, StorageKey(userID), data); err != nil {
			slog.Warn("failed to store activity snapshot", "user_id", userID, "error", err)
		}
		cancel()
	}
}

func (l *Logger) restore(ctx context.Context, userID string) []Entry {
	if l.store == nil {
		return nil
	}
	l.Flush()
	sctx, cancel := context.WithTimeout(ctx, kv.Timeout)
	defer cancel()
	data, err := l.store.Get(sctx, StorageKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("failed to load activity snapshot", "user_id", userID, "error", err)
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("discarding corrupt activity snapshot", "user_id", userID, "error", err)
		return nil
	}
	return entries
}

// LogLogin records a successful sign-in.
func (l *Logger) LogLogin(ctx context.Context) {
	l.Log(ctx, ActionLogin, Details{"timestamp": l.now().UTC().Format(time.RFC3339)}, Target{})
}

// LogLogout records a sign-out. Call it before the actor is cleared.
func (l *Logger) LogLogout(ctx context.Context) {
	l.Log(ctx, ActionLogout, Details{"timestamp": l.now().UTC().Format(time.RFC3339)}, Target{})
}

// LogInviteCreated records an invitation of email to companyID with role.
func (l *Logger) LogInviteCreated(ctx context.Context, email, role, companyID string) {
	l.Log(ctx, ActionInviteCreated, Details{"invited_email": email, "role": role},
		Target{CompanyID: companyID, ResourceType: "invite"})
}

// LogUserUpdated records changes made to another user's account.
func (l *Logger) LogUserUpdated(ctx context.Context, userID string, changes Details) {
	l.Log(ctx, ActionUserUpdated, Details{"changes": changes},
		Target{ResourceType: "user", ResourceID: userID})
}

// LogCompanyUpdated records changes to a company.
func (l *Logger) LogCompanyUpdated(ctx context.Context, companyID string, changes Details) {
	l.Log(ctx, ActionCompanyUpdated, Details{"changes": changes},
		Target{CompanyID: companyID, ResourceType: "company", ResourceID: companyID})
}

// LogSettingsUpdated records new application settings.
func (l *Logger) LogSettingsUpdated(ctx context.Context, settings Details) {
	l.Log(ctx, ActionSettingsUpdated, Details{"settings": settings}, Target{ResourceType: "settings"})
}

// LogPermissionChanged records a permission granted to or revoked from userID.
func (l *Logger) LogPermissionChanged(ctx context.Context, userID, permission string, granted bool) {
	l.Log(ctx, ActionPermissionChanged, Details{"permission": permission, "granted": granted},
		Target{ResourceType: "user", ResourceID: userID})
}

// LogProfileUpdated records which profile fields the actor changed.
func (l *Logger) LogProfileUpdated(ctx context.Context, fields []string) {
	l.Log(ctx, ActionProfileUpdated, Details{"fields": fields}, Target{ResourceType: "profile"})
}

// LogPasswordChanged records a password change by the actor.
func (l *Logger) LogPasswordChanged(ctx context.Context) {
	l.Log(ctx, ActionPasswordChanged, Details{}, Target{ResourceType: "user"})
}

// LogErrorOccurred records a failure the user saw. where names the screen
// or operation.
func (l *Logger) LogErrorOccurred(ctx context.Context, where string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.Log(ctx, ActionErrorOccurred, Details{"where": where, "error": msg}, Target{})
}

// LogDataExported records an export of count records of kind.
func (l *Logger) LogDataExported(ctx context.Context, kind string, count int) {
	l.Log(ctx, ActionDataExported, Details{"kind": kind, "count": count}, Target{})
}
