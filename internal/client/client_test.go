package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"inkpad/api/internal/auth"
	"inkpad/api/internal/realtime"
	"inkpad/api/internal/store"
)

var testSecret = []byte("test-secret")

type staticLoader struct{}

func (staticLoader) LoadPad(_ context.Context, padID, _ string) (*realtime.PadState, error) {
	return &realtime.PadState{
		PadID:    padID,
		Name:     "Draft",
		Sections: []store.Section{{ID: "sec_1", Heading: "Intro", Content: "hello"}},
		Users:    []string{"usr_a", "usr_b"},
		Roles:    map[string]string{"usr_a": "pad_owner", "usr_b": "editor"},
	}, nil
}

func startServer(t *testing.T) (string, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub(staticLoader{}, nil, testSecret, "*")
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub
}

func issueToken(t *testing.T, userID, userName string) string {
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
	return token
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientJoinLoadsSnapshot(t *testing.T) {
	wsURL, _ := startServer(t)

	rec := NewReconciler()
	c := New(wsURL, issueToken(t, "usr_a", "Ada"), rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.Join("pad_1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	waitFor(t, func() bool { return rec.PadID() == "pad_1" }, "snapshot")
	if sections := rec.Sections(); len(sections) != 1 || sections[0].Content != "hello" {
		t.Errorf("unexpected sections: %+v", sections)
	}
	waitFor(t, func() bool { return len(rec.Roster()) == 1 }, "presence roster")
}

func TestClientReceivesRelayedEdit(t *testing.T) {
	wsURL, _ := startServer(t)

	rec := NewReconciler()
	c := New(wsURL, issueToken(t, "usr_a", "Ada"), rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	if err := c.Join("pad_1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return rec.PadID() == "pad_1" }, "snapshot")

	// A second participant edits over a raw socket.
	other, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+issueToken(t, "usr_b", "Grace"), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer other.Close()
	join, _ := realtime.Encode(realtime.EventJoinPad, realtime.JoinPadPayload{PadID: "pad_1"})
	if err := other.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("second join: %v", err)
	}
	edit, _ := realtime.Encode(realtime.EventSectionUpdate, realtime.SectionUpdatePayload{
		Section: store.Section{ID: "sec_1", Heading: "Intro", Content: "edited by grace"},
	})
	if err := other.WriteMessage(websocket.TextMessage, edit); err != nil {
		t.Fatalf("second edit: %v", err)
	}

	waitFor(t, func() bool {
		sections := rec.Sections()
		return len(sections) == 1 && sections[0].Content == "edited by grace"
	}, "relayed edit")
}

func TestClientLocalEditAppliedImmediately(t *testing.T) {
	wsURL, _ := startServer(t)

	rec := NewReconciler()
	c := New(wsURL, issueToken(t, "usr_a", "Ada"), rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	if err := c.Join("pad_1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return rec.PadID() == "pad_1" }, "snapshot")

	if err := c.SendSectionUpdate(store.Section{ID: "sec_1", Content: "local edit"}); err != nil {
		t.Fatalf("send edit: %v", err)
	}
	// Optimistic apply: visible without a server round-trip.
	if sections := rec.Sections(); sections[0].Content != "local edit" {
		t.Errorf("local edit not applied: %+v", sections)
	}
}
