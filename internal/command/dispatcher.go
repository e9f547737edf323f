package command

import (
	"log/slog"
	"sync"

	"github.com/ermisnetwork/ermis-classroom-sdk-sub004/internal/protocol"
)

// HandlerFunc processes one command received on a channel.
type HandlerFunc func(ch protocol.Channel, msg Message)

// Dispatcher routes incoming commands to handlers keyed by command type.
// Unknown types are logged once per dispatch and dropped; a control-plane
// peer speaking a newer protocol must not break older receivers.
type Dispatcher struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[Type]HandlerFunc
}

// NewDispatcher creates a Dispatcher. If log is nil, slog.Default() is used.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:      log.With("component", "command-dispatcher"),
		handlers: make(map[Type]HandlerFunc),
	}
}

// Handle registers fn for command type t, replacing any previous handler.
func (d *Dispatcher) Handle(t Type, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = fn
}

// Dispatch decodes raw JSON received on ch and invokes the registered
// handler. Decode failures are returned; an unregistered type is not an
// error.
func (d *Dispatcher) Dispatch(ch protocol.Channel, raw []byte) error {
	msg, err := Decode(raw)
	if err != nil {
		return err
	}

	d.mu.RLock()
	fn := d.handlers[msg.Type]
	d.mu.RUnlock()

	if fn == nil {
		d.log.Debug("no handler for command", "type", msg.Type, "channel", ch)
		return nil
	}
	fn(ch, msg)
	return nil
}
