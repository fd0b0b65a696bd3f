package realtime

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inkpad/api/internal/auth"
)

// ErrNoAccess is returned by a PadLoader when the user is not in the pad's
// access set.
var ErrNoAccess = errors.New("no access to pad")

// PadLoader fetches the authoritative pad state for a joining user.
type PadLoader interface {
	LoadPad(ctx context.Context, padID, userID string) (*PadState, error)
}

// PadPersister writes mutated pad state back to durable storage.
type PadPersister interface {
	PersistPad(ctx context.Context, state *PadState) error
}

// Hub owns one room per open pad. A room exists while at least one websocket
// session has joined its pad; the room's mutex is the unit of exclusion for
// that pad's state, roster, and broadcast ordering.
type Hub struct {
	loader    PadLoader
	persister PadPersister
	secret    []byte
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(loader PadLoader, persister PadPersister, secret []byte, allowedOrigin string) *Hub {
	return &Hub{
		loader:    loader,
		persister: persister,
		secret:    secret,
		rooms:     make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// HandleWS authenticates the request and upgrades it to a websocket session.
// Identity comes from the token, not from any later join payload.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}

	sess := newSession(h, conn, claims.Sub, claims.Name)
	go sess.writeLoop()
	sess.readLoop()
}

func (h *Hub) authenticate(r *http.Request) (auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return auth.ParseToken(h.secret, token)
}

// join places the session in the pad's room, loading state on first entry.
// The load happens under the room lock so a concurrent edit cannot interleave
// between snapshot and registration.
//
// Membership is checked on every join: the loader enforces it when the room
// is cold, and the cached access set enforces it when the room is warm, so a
// non-member never rides in on state another user loaded.
func (h *Hub) join(sess *session, padID string) error {
	rm := h.room(padID)

	rm.mu.Lock()
	if rm.state != nil && !rm.state.hasAccess(sess.userID) {
		rm.mu.Unlock()
		return ErrNoAccess
	}
	rm.sessions[sess] = struct{}{}
	sess.room = rm
	rm.scheduleNotifyLocked()

	if rm.state == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		state, err := h.loader.LoadPad(ctx, padID, sess.userID)
		cancel()
		if err != nil {
			delete(rm.sessions, sess)
			sess.room = nil
			rm.scheduleNotifyLocked()
			empty := len(rm.sessions) == 0
			rm.mu.Unlock()
			if empty {
				h.dropIfEmpty(rm)
			}
			return err
		}
		rm.state = state
	}

	sess.enqueue(mustEncode(EventLoadPad, rm.state.loadPayload()))
	rm.mu.Unlock()
	return nil
}

// leave removes the session from its room and tears the room down when it
// was the last participant.
func (h *Hub) leave(sess *session) {
	rm := sess.room
	if rm == nil {
		return
	}
	sess.room = nil

	rm.mu.Lock()
	delete(rm.sessions, sess)
	rm.scheduleNotifyLocked()
	empty := len(rm.sessions) == 0
	rm.mu.Unlock()

	if empty {
		h.dropIfEmpty(rm)
	}
}

func (h *Hub) room(padID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[padID]
	if !ok {
		rm = newRoom(padID)
		h.rooms[padID] = rm
		go rm.notifyLoop()
	}
	return rm
}

func (h *Hub) lookup(padID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[padID]
}

// dropIfEmpty removes the room and its cached state once the last session is
// gone. Re-checks emptiness under both locks; a joiner may have raced in.
func (h *Hub) dropIfEmpty(rm *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm.mu.Lock()
	empty := len(rm.sessions) == 0
	rm.mu.Unlock()
	if !empty {
		return
	}
	if h.rooms[rm.padID] == rm {
		delete(h.rooms, rm.padID)
		close(rm.done)
	}
}

// persist writes the snapshot in the background with bounded retries. Edits
// stay live in the room even when a write attempt fails.
func (h *Hub) persist(state *PadState) {
	if h.persister == nil {
		return
	}
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := h.persister.PersistPad(ctx, state)
			cancel()
			if err == nil {
				return
			}
			log.Printf("realtime: persist pad %s attempt %d: %v", state.PadID, attempt, err)
			time.Sleep(time.Duration(attempt) * 250 * time.Millisecond)
		}
	}()
}

// SetPublished updates the cached visibility flag of an active room so later
// snapshots reflect a publish toggle made over REST.
func (h *Hub) SetPublished(padID string, published bool) {
	rm := h.lookup(padID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	if rm.state != nil {
		rm.state.Published = published
	}
	rm.mu.Unlock()
}

// AddMember grants a user access in an active room's cached state so a join
// racing with a REST add-user sees the new membership without a reload.
func (h *Hub) AddMember(padID, userID, role string) {
	rm := h.lookup(padID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	if rm.state != nil {
		rm.state.Grant(userID, role)
	}
	rm.mu.Unlock()
}

// Invalidate drops the cached state of an idle room, forcing a reload on the
// next join. A room with live sessions is authoritative and is left alone.
func (h *Hub) Invalidate(padID string) {
	rm := h.lookup(padID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	if len(rm.sessions) == 0 {
		rm.state = nil
	}
	rm.mu.Unlock()
}

// ActiveUsers returns the deduplicated presence roster for a pad, or nil when
// nobody has it open.
func (h *Hub) ActiveUsers(padID string) []PresenceUser {
	rm := h.lookup(padID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.rosterLocked()
}

// --- room ---

type room struct {
	padID string

	mu       sync.Mutex
	sessions map[*session]struct{}
	state    *PadState

	notifyCh chan struct{}
	done     chan struct{}
}

func newRoom(padID string) *room {
	return &room{
		padID:    padID,
		sessions: make(map[*session]struct{}),
		notifyCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// scheduleNotifyLocked requests a presence broadcast. The single-slot channel
// coalesces bursts: N rapid joins produce at most N rosters and at least one
// final roster with the complete set.
func (rm *room) scheduleNotifyLocked() {
	select {
	case rm.notifyCh <- struct{}{}:
	default:
	}
}

func (rm *room) notifyLoop() {
	for {
		select {
		case <-rm.done:
			return
		case <-rm.notifyCh:
			rm.mu.Lock()
			roster := rm.rosterLocked()
			raw := mustEncode(EventUpdateUsers, roster)
			for sess := range rm.sessions {
				sess.enqueue(raw)
			}
			rm.mu.Unlock()
		}
	}
}

// rosterLocked deduplicates by user ID so multiple tabs of the same user show
// up once.
func (rm *room) rosterLocked() []PresenceUser {
	seen := make(map[string]struct{}, len(rm.sessions))
	roster := make([]PresenceUser, 0, len(rm.sessions))
	for sess := range rm.sessions {
		if _, ok := seen[sess.userID]; ok {
			continue
		}
		seen[sess.userID] = struct{}{}
		roster = append(roster, PresenceUser{UserID: sess.userID, UserName: sess.userName})
	}
	return roster
}

// broadcastLocked enqueues raw to every session except origin. Enqueue order
// under the room lock is the total order every client observes.
func (rm *room) broadcastLocked(raw []byte, origin *session) {
	for sess := range rm.sessions {
		if sess == origin {
			continue
		}
		sess.enqueue(raw)
	}
}
