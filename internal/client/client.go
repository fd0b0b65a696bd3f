package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inkpad/api/internal/realtime"
	"inkpad/api/internal/store"
)

// ErrClosed is returned by send operations after Close.
var ErrClosed = errors.New("client closed")

// Client is a websocket pad session. It owns a Reconciler and keeps it in
// sync with the server; on reconnect it re-joins the last pad and lets the
// fresh snapshot supersede whatever the local copy drifted to.
type Client struct {
	url      string
	token    string
	rec      *Reconciler
	onError  func(realtime.ErrorPayload)
	dialer   *websocket.Dialer
	backoff  time.Duration
	maxRetry int

	mu     sync.Mutex
	conn   *websocket.Conn
	padID  string
	closed bool
}

type Option func(*Client)

// WithErrorHandler registers a callback for server error events.
func WithErrorHandler(fn func(realtime.ErrorPayload)) Option {
	return func(c *Client) { c.onError = fn }
}

// WithReconnect sets the retry budget for transparent reconnects.
func WithReconnect(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetry = attempts
		c.backoff = backoff
	}
}

func New(wsURL, token string, rec *Reconciler, opts ...Option) *Client {
	c := &Client{
		url:      wsURL,
		token:    token,
		rec:      rec,
		dialer:   websocket.DefaultDialer,
		backoff:  500 * time.Millisecond,
		maxRetry: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server and starts the read pump.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url+"?token="+c.token, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readPump(conn)
	return nil
}

// Join enters a pad. The server answers with a load-pad snapshot that the
// reconciler applies wholesale.
func (c *Client) Join(padID string) error {
	c.mu.Lock()
	c.padID = padID
	c.mu.Unlock()
	return c.send(realtime.EventJoinPad, realtime.JoinPadPayload{PadID: padID})
}

// Leave exits the current pad without closing the connection.
func (c *Client) Leave() error {
	c.mu.Lock()
	c.padID = ""
	c.mu.Unlock()
	return c.send(realtime.EventLeavePad, struct{}{})
}

// SendSectionUpdate applies the edit locally and pushes it to the server.
func (c *Client) SendSectionUpdate(sec store.Section) error {
	c.rec.ApplySectionUpdate(realtime.SectionUpdatePayload{Section: sec})
	return c.send(realtime.EventSectionUpdate, realtime.SectionUpdatePayload{Section: sec})
}

// SendAuthorUpdate applies the author list locally and pushes it.
func (c *Client) SendAuthorUpdate(authors []store.Author) error {
	c.rec.ApplyAuthorUpdate(realtime.AuthorUpdatePayload{Authors: authors})
	return c.send(realtime.EventAuthorUpdate, realtime.AuthorUpdatePayload{Authors: authors})
}

// SendReferenceAdd applies the reference locally and pushes it.
func (c *Client) SendReferenceAdd(ref store.Reference) error {
	c.rec.ApplyReferenceAdd(realtime.ReferenceAddPayload{Reference: ref})
	return c.send(realtime.EventReferenceAdd, realtime.ReferenceAddPayload{Reference: ref})
}

func (c *Client) send(event string, payload any) error {
	raw, err := realtime.Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn)
			return
		}
		var msg realtime.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg realtime.Message) {
	switch msg.Event {
	case realtime.EventLoadPad:
		var p realtime.LoadPadPayload
		if json.Unmarshal(msg.Data, &p) == nil {
			c.rec.ApplySnapshot(p)
		}
	case realtime.EventUpdateUsers:
		var users []realtime.PresenceUser
		if json.Unmarshal(msg.Data, &users) == nil {
			c.rec.ApplyPresence(users)
		}
	case realtime.EventSectionUpdate:
		var p realtime.SectionUpdatePayload
		if json.Unmarshal(msg.Data, &p) == nil {
			c.rec.ApplySectionUpdate(p)
		}
	case realtime.EventAuthorUpdate:
		var p realtime.AuthorUpdatePayload
		if json.Unmarshal(msg.Data, &p) == nil {
			c.rec.ApplyAuthorUpdate(p)
		}
	case realtime.EventReferenceAdd:
		var p realtime.ReferenceAddPayload
		if json.Unmarshal(msg.Data, &p) == nil {
			c.rec.ApplyReferenceAdd(p)
		}
	case realtime.EventError:
		var p realtime.ErrorPayload
		if json.Unmarshal(msg.Data, &p) == nil && c.onError != nil {
			c.onError(p)
		}
	}
}

// handleDisconnect retries the connection and re-joins the last pad. The
// server's snapshot on rejoin is the source of truth; local edits made while
// offline are dropped.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	padID := c.padID
	c.mu.Unlock()

	for attempt := 1; attempt <= c.maxRetry; attempt++ {
		time.Sleep(time.Duration(attempt) * c.backoff)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err != nil {
			log.Printf("client: reconnect attempt %d: %v", attempt, err)
			continue
		}
		if padID != "" {
			if err := c.Join(padID); err != nil {
				log.Printf("client: rejoin pad %s: %v", padID, err)
				continue
			}
		}
		return
	}

	if c.onError != nil {
		c.onError(realtime.ErrorPayload{Code: "TRANSPORT_LOST", Msg: "connection lost and reconnect failed"})
	}
}

// Close tears the connection down and disables reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
