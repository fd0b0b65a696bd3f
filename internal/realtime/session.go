package realtime

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// session is one websocket connection. Outbound messages go through the
// buffered send channel; the room enqueues under its lock, writeLoop drains,
// so per-session delivery order matches the room's broadcast order.
type session struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	userID   string
	userName string

	// room is owned by readLoop and the hub's join/leave paths, which all
	// run on the reader goroutine.
	room *room
}

func newSession(h *Hub, conn *websocket.Conn, userID, userName string) *session {
	return &session{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		userID:   userID,
		userName: userName,
	}
}

// enqueue hands raw to the write loop without blocking. A consumer that
// cannot keep up gets disconnected rather than stalling the room.
func (s *session) enqueue(raw []byte) {
	select {
	case s.send <- raw:
	default:
		log.Printf("realtime: slow consumer %s, dropping connection", s.userID)
		_ = s.conn.Close()
	}
}

func (s *session) sendError(code, msg string) {
	s.enqueue(mustEncode(EventError, ErrorPayload{Code: code, Msg: msg}))
}

func (s *session) readLoop() {
	defer func() {
		s.hub.leave(s)
		close(s.done)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("realtime: read error for %s: %v", s.userID, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(CodeBadPayload, "malformed message")
			continue
		}
		s.dispatch(msg)
	}
}

func (s *session) dispatch(msg Message) {
	switch msg.Event {
	case EventJoinPad:
		s.handleJoin(msg.Data)
	case EventLeavePad:
		s.hub.leave(s)
	case EventSectionUpdate:
		s.handleSectionUpdate(msg.Data)
	case EventAuthorUpdate:
		s.handleAuthorUpdate(msg.Data)
	case EventReferenceAdd:
		s.handleReferenceAdd(msg.Data)
	default:
		s.sendError(CodeBadPayload, "unknown event "+msg.Event)
	}
}

func (s *session) handleJoin(data json.RawMessage) {
	var payload JoinPadPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.PadID == "" {
		s.sendError(CodeBadPayload, "join-pad requires padId")
		return
	}

	// Rejoining another pad implicitly leaves the current one.
	if s.room != nil {
		s.hub.leave(s)
	}

	if err := s.hub.join(s, payload.PadID); err != nil {
		if errors.Is(err, ErrNoAccess) {
			s.sendError(CodeUnauthorized, "not a collaborator on this pad")
			return
		}
		log.Printf("realtime: join pad %s for %s: %v", payload.PadID, s.userID, err)
		s.sendError(CodePadUnavailable, "pad could not be loaded")
	}
}

func (s *session) handleSectionUpdate(data json.RawMessage) {
	var payload SectionUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Section.ID == "" {
		s.sendError(CodeBadPayload, "section-update requires a section with an id")
		return
	}
	rm := s.room
	if rm == nil {
		s.sendError(CodeBadPayload, "not joined to a pad")
		return
	}

	rm.mu.Lock()
	if rm.state == nil {
		rm.mu.Unlock()
		s.sendError(CodePadUnavailable, "pad state unavailable")
		return
	}
	rm.state.ApplySection(payload.Section)
	payload.PadID = rm.padID
	rm.broadcastLocked(mustEncode(EventSectionUpdate, payload), s)
	snapshot := rm.state.Snapshot()
	rm.mu.Unlock()

	s.hub.persist(snapshot)
}

func (s *session) handleAuthorUpdate(data json.RawMessage) {
	var payload AuthorUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.sendError(CodeBadPayload, "malformed author-update")
		return
	}
	rm := s.room
	if rm == nil {
		s.sendError(CodeBadPayload, "not joined to a pad")
		return
	}

	rm.mu.Lock()
	if rm.state == nil {
		rm.mu.Unlock()
		s.sendError(CodePadUnavailable, "pad state unavailable")
		return
	}
	rm.state.ApplyAuthors(payload.Authors)
	payload.PadID = rm.padID
	rm.broadcastLocked(mustEncode(EventAuthorUpdate, payload), s)
	snapshot := rm.state.Snapshot()
	rm.mu.Unlock()

	s.hub.persist(snapshot)
}

func (s *session) handleReferenceAdd(data json.RawMessage) {
	var payload ReferenceAddPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Reference.Key == "" {
		s.sendError(CodeBadPayload, "reference-add requires a reference with a key")
		return
	}
	rm := s.room
	if rm == nil {
		s.sendError(CodeBadPayload, "not joined to a pad")
		return
	}

	rm.mu.Lock()
	if rm.state == nil {
		rm.mu.Unlock()
		s.sendError(CodePadUnavailable, "pad state unavailable")
		return
	}
	added := rm.state.AddReference(payload.Reference)
	if !added {
		// Duplicate key: idempotent, nothing to relay or persist.
		rm.mu.Unlock()
		return
	}
	payload.PadID = rm.padID
	rm.broadcastLocked(mustEncode(EventReferenceAdd, payload), s)
	snapshot := rm.state.Snapshot()
	rm.mu.Unlock()

	s.hub.persist(snapshot)
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case raw := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
