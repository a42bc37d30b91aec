package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamSendBuffer  = 256
	streamReadLimit   = 64 * 1024
	streamPongWait    = 60 * time.Second
	streamPingEvery   = 54 * time.Second
	streamWriteWait   = 10 * time.Second
)

// Feed fans ledger events out to websocket subscribers. It implements
// events.Publisher, so the outbox processor treats it like any other
// sink; a feed with no subscribers drops messages on the floor.
type Feed struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	conns    map[*feedConn]struct{}
	log      *zap.Logger
}

type feedConn struct {
	ws     *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	mu     sync.RWMutex
	cancel context.CancelFunc
}

// NewFeed builds the event feed. checkOrigin may be nil to accept all
// origins.
func NewFeed(checkOrigin func(r *http.Request) bool, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Feed{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		conns:    map[*feedConn]struct{}{},
		log:      log,
	}
}

// streamMessage is the wire frame pushed to subscribers.
type streamMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Publish implements events.Publisher by broadcasting to every
// connection subscribed to the topic. Slow consumers are skipped rather
// than blocking the outbox.
func (f *Feed) Publish(_ context.Context, topic string, payload []byte) error {
	frame, err := json.Marshal(streamMessage{Type: "event", Topic: topic, Payload: payload})
	if err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.conns {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			f.log.Warn("dropping event for slow websocket subscriber", zap.String("topic", topic))
		}
	}
	return nil
}

// ServeHTTP upgrades the connection and runs the read/write pumps.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &feedConn{
		ws:     ws,
		send:   make(chan []byte, streamSendBuffer),
		topics: map[string]struct{}{},
		cancel: cancel,
	}

	f.mu.Lock()
	f.conns[c] = struct{}{}
	f.mu.Unlock()

	go f.writePump(ctx, c)
	f.readPump(ctx, c)
}

func (f *Feed) readPump(ctx context.Context, c *feedConn) {
	defer f.drop(c)

	c.ws.SetReadLimit(streamReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(streamPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		f.handleCommand(c, raw)
	}
}

func (f *Feed) writePump(ctx context.Context, c *feedConn) {
	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.drop(c)
				return
			}
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				f.drop(c)
				return
			}
		}
	}
}

// handleCommand processes {"command":"subscribe","topics":[...]} and its
// unsubscribe counterpart.
func (f *Feed) handleCommand(c *feedConn, raw []byte) {
	var cmd struct {
		Command string   `json:"command"`
		Topics  []string `json:"topics"`
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.reply(streamMessage{Type: "error", Payload: json.RawMessage(`"invalid JSON"`)})
		return
	}
	switch cmd.Command {
	case "subscribe":
		c.mu.Lock()
		for _, t := range cmd.Topics {
			c.topics[t] = struct{}{}
		}
		c.mu.Unlock()
		c.reply(streamMessage{Type: "subscribed"})
	case "unsubscribe":
		c.mu.Lock()
		for _, t := range cmd.Topics {
			delete(c.topics, t)
		}
		c.mu.Unlock()
		c.reply(streamMessage{Type: "unsubscribed"})
	case "ping":
		c.reply(streamMessage{Type: "pong"})
	default:
		c.reply(streamMessage{Type: "error", Payload: json.RawMessage(`"unknown command"`)})
	}
}

func (c *feedConn) reply(msg streamMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *feedConn) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		return false
	}
	if _, ok := c.topics["*"]; ok {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

func (f *Feed) drop(c *feedConn) {
	f.mu.Lock()
	_, live := f.conns[c]
	delete(f.conns, c)
	f.mu.Unlock()
	if live {
		c.cancel()
		c.ws.Close()
	}
}
