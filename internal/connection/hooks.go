package connection

import "context"

// Hooks lets a component customize a Connection it owns.
//
// BeforeConnect runs before every dial (initial and reconnect) and may set the path.
// AfterConnect runs after every successful dial. HandleMessage sees each decoded
// frame on the read goroutine; returning true consumes it, false queues it.
// Hooks run on the read goroutine during reconnects and must not call Close.
type Hooks interface {
	BeforeConnect(ctx context.Context, c *Connection) error
	AfterConnect(ctx context.Context, c *Connection)
	HandleMessage(msg Message) bool
}

// NopHooks queues every message and does nothing around connects.
type NopHooks struct{}

func (NopHooks) BeforeConnect(context.Context, *Connection) error { return nil }
func (NopHooks) AfterConnect(context.Context, *Connection)        {}
func (NopHooks) HandleMessage(Message) bool                       { return false }
