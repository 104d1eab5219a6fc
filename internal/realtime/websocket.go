package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// WebsocketTransport dials the realtime websocket endpoint. The wire protocol
// is Phoenix-style: phx_join/phx_leave frames per topic, a periodic heartbeat
// on the "phoenix" topic and postgres change events on joined topics.
type WebsocketTransport struct {
	url       string
	heartbeat time.Duration
}

// NewWebsocketTransport builds a transport for the given base URL and API key.
func NewWebsocketTransport(baseURL, apiKey string) *WebsocketTransport {
	wsURL := baseURL
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + wsURL[5:]
	} else if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	wsURL += "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0"

	return &WebsocketTransport{url: wsURL, heartbeat: 30 * time.Second}
}

// Dial opens the websocket and starts the heartbeat loop.
func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &wsConn{
		conn: conn,
		done: make(chan struct{}),
	}
	go c.heartbeatLoop(t.heartbeat)
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn
	done chan struct{}

	mu        sync.Mutex // guards writes and ref
	ref       int
	closeOnce sync.Once
}

func (c *wsConn) nextRef() string {
	c.ref++
	return fmt.Sprintf("%d", c.ref)
}

// writeFrame sends one protocol frame. gorilla allows a single concurrent
// writer, so all writes funnel through here.
func (c *wsConn) writeFrame(topic, event string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := c.nextRef()
	msg := map[string]any{
		"topic":   topic,
		"event":   event,
		"payload": payload,
		"ref":     ref,
	}
	if event == "phx_join" {
		msg["join_ref"] = ref
	}
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Join(ctx context.Context, topic string) error {
	if err := c.writeFrame(topic, "phx_join", map[string]any{}); err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}
	return nil
}

func (c *wsConn) Leave(ctx context.Context, topic string) error {
	if err := c.writeFrame(topic, "phx_leave", map[string]any{}); err != nil {
		return fmt.Errorf("leave %s: %w", topic, err)
	}
	return nil
}

// Read returns the next change event, skipping protocol frames (replies,
// heartbeat acks, presence diffs).
func (c *wsConn) Read() (Event, error) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return Event{}, err
		}

		event := gjson.GetBytes(message, "event").String()
		switch event {
		case "phx_reply", "phx_close", "heartbeat", "presence_state", "presence_diff", "system":
			continue
		}

		ev := Event{
			Topic: gjson.GetBytes(message, "topic").String(),
			Type:  event,
		}
		// postgres change frames carry the actual change under payload.data.
		if data := gjson.GetBytes(message, "payload.data"); data.Exists() {
			if t := data.Get("type"); t.Exists() {
				ev.Type = t.String()
			}
			ev.RecordID = data.Get("record.id").String()
			ev.Payload = []byte(data.Raw)
		} else if payload := gjson.GetBytes(message, "payload"); payload.Exists() {
			if t := payload.Get("type"); t.Exists() {
				ev.Type = t.String()
			}
			ev.RecordID = payload.Get("record.id").String()
			ev.Payload = []byte(payload.Raw)
		}
		return ev, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeFrame("phoenix", "heartbeat", map[string]any{})
		}
	}
}
