package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/partimap/bg2/internal/identity"
	"github.com/partimap/bg2/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	stateBuffer  = 8
)

// streamMessage is one frame of the session event stream. Type is
// "session" for identity events and "state" for manager snapshots.
type streamMessage struct {
	Type  string          `json:"type"`
	Event *identity.Event `json:"event,omitempty"`
	State *session.State  `json:"state,omitempty"`
}

// eventsHandler upgrades to a websocket and streams session changes.
type eventsHandler struct {
	upgrader websocket.Upgrader
}

func newEventsHandler(allowedOrigins []string) *eventsHandler {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return &eventsHandler{upgrader: websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}}
}

// Stream handles GET /api/v1/auth/events. The first frame is the
// INITIAL_SESSION event; state frames follow every manager change.
func (h *eventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := m.Subscribe()
	defer sub.Unsubscribe()

	states := make(chan session.State, stateBuffer)
	cancel := m.OnChange(func(st session.State) {
		select {
		case states <- st:
		default:
			slog.Warn("state stream lagging, dropped snapshot")
		}
	})
	defer cancel()

	// The read pump only handles control frames and detects disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	write := func(msg streamMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg) == nil
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !write(streamMessage{Type: "session", Event: &e}) {
				return
			}
		case st := <-states:
			if !write(streamMessage{Type: "state", State: &st}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
