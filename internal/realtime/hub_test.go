package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"inkpad/api/internal/auth"
	"inkpad/api/internal/store"
)

var testSecret = []byte("test-secret")

type fakeLoader struct {
	mu    sync.Mutex
	loads int
	fail  error
	state func(padID string) *PadState
}

func (f *fakeLoader) LoadPad(_ context.Context, padID, _ string) (*PadState, error) {
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	if f.state != nil {
		return f.state(padID), nil
	}
	return &PadState{
		PadID:    padID,
		Name:     "Draft",
		Sections: []store.Section{{ID: "sec_1", Heading: "Intro", Content: "hello"}},
		Users:    []string{"usr_a", "usr_b", "usr_c"},
		Roles:    map[string]string{"usr_a": "pad_owner", "usr_b": "editor", "usr_c": "editor"},
	}, nil
}

func (f *fakeLoader) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type fakePersister struct {
	saved chan *PadState
}

func (f *fakePersister) PersistPad(_ context.Context, state *PadState) error {
	f.saved <- state
	return nil
}

func startHub(t *testing.T, loader *fakeLoader, persister PadPersister) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(loader, persister, testSecret, "*")
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userID, userName string) *websocket.Conn {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{
		Sub:  userID,
		Name: userName,
		JTI:  "jti_" + userID,
		Exp:  time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

// waitForEvent reads until the named event arrives, skipping interleaved
// roster updates.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readEvent(t, conn)
		if msg.Event == event {
			return msg
		}
	}
	t.Fatalf("event %s never arrived", event)
	return Message{}
}

func decodeRoster(t *testing.T, msg Message) []PresenceUser {
	t.Helper()
	var roster []PresenceUser
	if err := json.Unmarshal(msg.Data, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	return roster
}

func TestJoinDeliversSnapshotThenRoster(t *testing.T) {
	loader := &fakeLoader{}
	_, srv := startHub(t, loader, nil)

	conn := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, conn, EventJoinPad, JoinPadPayload{PadID: "pad_1"})

	first := readEvent(t, conn)
	if first.Event != EventLoadPad {
		t.Fatalf("first event = %s, want load-pad", first.Event)
	}
	var loaded LoadPadPayload
	if err := json.Unmarshal(first.Data, &loaded); err != nil {
		t.Fatalf("decode load-pad: %v", err)
	}
	if loaded.PadID != "pad_1" || len(loaded.Sections) != 1 {
		t.Errorf("unexpected snapshot: %+v", loaded)
	}

	roster := decodeRoster(t, waitForEvent(t, conn, EventUpdateUsers))
	if len(roster) != 1 || roster[0].UserID != "usr_a" {
		t.Errorf("unexpected roster: %+v", roster)
	}
}

func TestSecondJoinerSkipsReload(t *testing.T) {
	loader := &fakeLoader{}
	_, srv := startHub(t, loader, nil)

	a := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, a, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, a, EventLoadPad)

	b := dial(t, srv, "usr_b", "Grace")
	sendEvent(t, b, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, b, EventLoadPad)

	if got := loader.loadCount(); got != 1 {
		t.Errorf("load count = %d, want 1 (state cached while room active)", got)
	}

	// Both ends converge on a two-user roster.
	for _, conn := range []*websocket.Conn{a, b} {
		var roster []PresenceUser
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			roster = decodeRoster(t, waitForEvent(t, conn, EventUpdateUsers))
			if len(roster) == 2 {
				break
			}
		}
		if len(roster) != 2 {
			t.Errorf("roster = %+v, want 2 users", roster)
		}
	}
}

func TestSectionUpdateRelaysExcludingOriginator(t *testing.T) {
	loader := &fakeLoader{}
	persister := &fakePersister{saved: make(chan *PadState, 4)}
	_, srv := startHub(t, loader, persister)

	a := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, a, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, a, EventLoadPad)

	b := dial(t, srv, "usr_b", "Grace")
	sendEvent(t, b, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, b, EventLoadPad)

	edit := store.Section{ID: "sec_1", Heading: "Intro", Content: "edited by ada"}
	sendEvent(t, a, EventSectionUpdate, SectionUpdatePayload{Section: edit})

	msg := waitForEvent(t, b, EventSectionUpdate)
	var relayed SectionUpdatePayload
	if err := json.Unmarshal(msg.Data, &relayed); err != nil {
		t.Fatalf("decode relay: %v", err)
	}
	if relayed.Section.Content != "edited by ada" || relayed.PadID != "pad_1" {
		t.Errorf("unexpected relay: %+v", relayed)
	}

	// Persisted snapshot carries the edit.
	select {
	case saved := <-persister.saved:
		if saved.Sections[0].Content != "edited by ada" {
			t.Errorf("persisted stale content: %q", saved.Sections[0].Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("persist never happened")
	}

	// The originator must not receive its own edit back. Anything queued for
	// A at this point should only be roster updates.
	_ = a.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, raw, err := a.ReadMessage()
		if err != nil {
			break
		}
		var echoed Message
		_ = json.Unmarshal(raw, &echoed)
		if echoed.Event == EventSectionUpdate {
			t.Fatal("originator received its own section-update")
		}
	}
}

func TestJoinLoadFailure(t *testing.T) {
	loader := &fakeLoader{fail: errors.New("db down")}
	hub, srv := startHub(t, loader, nil)

	conn := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, conn, EventJoinPad, JoinPadPayload{PadID: "pad_1"})

	msg := waitForEvent(t, conn, EventError)
	var payload ErrorPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Code != CodePadUnavailable {
		t.Errorf("code = %s, want %s", payload.Code, CodePadUnavailable)
	}

	// Failed join leaves no phantom presence behind.
	if users := hub.ActiveUsers("pad_1"); len(users) != 0 {
		t.Errorf("phantom presence after failed join: %+v", users)
	}
}

func TestJoinNoAccess(t *testing.T) {
	loader := &fakeLoader{fail: ErrNoAccess}
	_, srv := startHub(t, loader, nil)

	conn := dial(t, srv, "usr_outsider", "Eve")
	sendEvent(t, conn, EventJoinPad, JoinPadPayload{PadID: "pad_1"})

	msg := waitForEvent(t, conn, EventError)
	var payload ErrorPayload
	_ = json.Unmarshal(msg.Data, &payload)
	if payload.Code != CodeUnauthorized {
		t.Errorf("code = %s, want %s", payload.Code, CodeUnauthorized)
	}
}

// A warm room must gate joins off its cached access set; membership is not
// only the first loader's concern.
func TestWarmRoomJoinRequiresMembership(t *testing.T) {
	loader := &fakeLoader{state: func(padID string) *PadState {
		return &PadState{
			PadID:    padID,
			Name:     "Secret Draft",
			Sections: []store.Section{{ID: "sec_1", Content: "confidential"}},
			Users:    []string{"usr_a"},
			Roles:    map[string]string{"usr_a": "pad_owner"},
		}
	}}
	hub, srv := startHub(t, loader, nil)

	a := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, a, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, a, EventLoadPad)

	outsider := dial(t, srv, "usr_outsider", "Eve")
	sendEvent(t, outsider, EventJoinPad, JoinPadPayload{PadID: "pad_1"})

	// The very first thing the outsider hears is the refusal, never the
	// snapshot warmed by someone else.
	first := readEvent(t, outsider)
	if first.Event != EventError {
		t.Fatalf("first event = %s, want error", first.Event)
	}
	var payload ErrorPayload
	_ = json.Unmarshal(first.Data, &payload)
	if payload.Code != CodeUnauthorized {
		t.Errorf("code = %s, want %s", payload.Code, CodeUnauthorized)
	}

	if users := hub.ActiveUsers("pad_1"); len(users) != 1 || users[0].UserID != "usr_a" {
		t.Errorf("roster after denied join = %+v, want just usr_a", users)
	}
	if got := loader.loadCount(); got != 1 {
		t.Errorf("load count = %d, want 1 (warm denial needs no reload)", got)
	}

	// A denied session holds no room, so its edits go nowhere.
	sendEvent(t, outsider, EventSectionUpdate, SectionUpdatePayload{
		Section: store.Section{ID: "sec_1", Content: "tampered"},
	})
	msg := waitForEvent(t, outsider, EventError)
	_ = json.Unmarshal(msg.Data, &payload)
	if payload.Code != CodeBadPayload {
		t.Errorf("edit without join: code = %s, want %s", payload.Code, CodeBadPayload)
	}
}

func TestAddMemberAdmitsToWarmRoom(t *testing.T) {
	loader := &fakeLoader{state: func(padID string) *PadState {
		return &PadState{
			PadID: padID,
			Name:  "Draft",
			Users: []string{"usr_a"},
			Roles: map[string]string{"usr_a": "pad_owner"},
		}
	}}
	hub, srv := startHub(t, loader, nil)

	a := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, a, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, a, EventLoadPad)

	hub.AddMember("pad_1", "usr_b", "editor")

	b := dial(t, srv, "usr_b", "Grace")
	sendEvent(t, b, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, b, EventLoadPad)

	if got := loader.loadCount(); got != 1 {
		t.Errorf("load count = %d, want 1 (grant applied in place)", got)
	}
}

func TestPresenceDeduplicatesSameUser(t *testing.T) {
	loader := &fakeLoader{}
	hub, srv := startHub(t, loader, nil)

	tab1 := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, tab1, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, tab1, EventLoadPad)

	tab2 := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, tab2, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, tab2, EventLoadPad)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		users := hub.ActiveUsers("pad_1")
		if len(users) == 1 && users[0].UserID == "usr_a" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("roster = %+v, want single deduplicated entry", hub.ActiveUsers("pad_1"))
}

func TestLeaveUpdatesRosterAndDropsRoom(t *testing.T) {
	loader := &fakeLoader{}
	hub, srv := startHub(t, loader, nil)

	a := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, a, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, a, EventLoadPad)

	b := dial(t, srv, "usr_b", "Grace")
	sendEvent(t, b, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, b, EventLoadPad)

	_ = b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		users := hub.ActiveUsers("pad_1")
		if len(users) == 1 && users[0].UserID == "usr_a" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if users := hub.ActiveUsers("pad_1"); len(users) != 1 {
		t.Fatalf("roster after leave = %+v, want just usr_a", users)
	}

	_ = a.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ActiveUsers("pad_1") == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Room gone means the next join reloads from storage.
	c := dial(t, srv, "usr_c", "Lin")
	sendEvent(t, c, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, c, EventLoadPad)
	if got := loader.loadCount(); got != 2 {
		t.Errorf("load count = %d, want 2 (reload after room teardown)", got)
	}
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	loader := &fakeLoader{}
	_, srv := startHub(t, loader, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestSetPublishedReflectsInSnapshots(t *testing.T) {
	loader := &fakeLoader{}
	hub, srv := startHub(t, loader, nil)

	a := dial(t, srv, "usr_a", "Ada")
	sendEvent(t, a, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	waitForEvent(t, a, EventLoadPad)

	hub.SetPublished("pad_1", true)

	b := dial(t, srv, "usr_b", "Grace")
	sendEvent(t, b, EventJoinPad, JoinPadPayload{PadID: "pad_1"})
	msg := waitForEvent(t, b, EventLoadPad)
	var loaded LoadPadPayload
	if err := json.Unmarshal(msg.Data, &loaded); err != nil {
		t.Fatalf("decode load-pad: %v", err)
	}
	if !loaded.Published {
		t.Error("publish toggle not visible to later joiner")
	}
}
