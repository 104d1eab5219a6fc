// Package realtime maintains the push connection to the backend, multiplexes
// per-user topic subscriptions over it and turns change events into targeted
// query-cache invalidations.
package realtime

import (
	"context"
	"encoding/json"
)

// Event is a change notification delivered on a subscribed topic.
type Event struct {
	Topic    string
	Type     string // INSERT, UPDATE, DELETE
	RecordID string
	Payload  json.RawMessage
}

// Conn is a live connection to the push channel. Read blocks until the next
// event or a connection error; Close unblocks it.
type Conn interface {
	Join(ctx context.Context, topic string) error
	Leave(ctx context.Context, topic string) error
	Read() (Event, error)
	Close() error
}

// Transport dials push connections. Implemented by the websocket transport
// in production and by fakes in tests.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}
