package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Handler receives envelopes for a subscribed type. Handlers run inline on
// the read loop, in registration order, so they observe traffic in transport
// delivery order. A panic inside one handler is recovered and logged and does
// not stop dispatch to the remaining handlers.
type Handler func(env *Envelope)

type subscription struct {
	id uint64
	fn Handler
}

// Subscribe registers a handler for all envelopes of the given type and
// returns a func that removes exactly that handler. Unsubscribing twice is
// harmless.
func (e *Engine) Subscribe(msgType string, h Handler) (unsubscribe func()) {
	e.subMu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subs[msgType] = append(e.subs[msgType], subscription{id: id, fn: h})
	e.subMu.Unlock()

	return func() { e.removeSubscription(msgType, id) }
}

// Unsubscribe removes every handler registered for the given type.
func (e *Engine) Unsubscribe(msgType string) {
	e.subMu.Lock()
	delete(e.subs, msgType)
	e.subMu.Unlock()
}

func (e *Engine) removeSubscription(msgType string, id uint64) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	handlers := e.subs[msgType]
	for i, s := range handlers {
		if s.id == id {
			handlers = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	if len(handlers) == 0 {
		delete(e.subs, msgType)
	} else {
		e.subs[msgType] = handlers
	}
}

// LastMessage returns the most recently received well-formed envelope, or
// nil. Heartbeat and pong frames are recorded here even though they are never
// forwarded to handlers.
func (e *Engine) LastMessage() *Envelope {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	return e.lastMsg
}

// Send constructs an envelope of the given type around payload, stamps it
// with a generated id, the current time, and the local user id, and writes it
// to the transport. While not connected the send is dropped with a debug log;
// there is no outbound queue.
func (e *Engine) Send(msgType string, payload any) {
	e.SendWithID(msgType, payload, "")
}

// SendWithID is Send with a caller-chosen envelope id, for request/response
// correlation by the caller.
func (e *Engine) SendWithID(msgType string, payload any, id string) {
	conn := e.connForSend(msgType)
	if conn == nil {
		return
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			e.log.Debug("send dropped: payload not serializable", "type", msgType, "error", err)
			return
		}
		raw = b
	}
	if id == "" {
		id = uuid.NewString()
	}

	env := &Envelope{
		Type:      msgType,
		Payload:   raw,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		UserID:    e.cfg.UserID,
	}
	data, err := json.Marshal(env)
	if err != nil {
		e.log.Debug("send dropped: envelope not serializable", "type", msgType, "error", err)
		return
	}
	e.write(conn, data)
}

// SendRaw writes a pre-serialized frame, bypassing envelope construction.
// The connected-only guard still applies.
func (e *Engine) SendRaw(data []byte) {
	conn := e.connForSend("raw")
	if conn == nil {
		return
	}
	e.write(conn, data)
}

func (e *Engine) connForSend(msgType string) *websocket.Conn {
	e.mu.Lock()
	conn, state := e.conn, e.state
	e.mu.Unlock()

	if state != StateConnected || conn == nil {
		e.log.Debug("send dropped: not connected", "type", msgType, "state", state)
		return nil
	}
	return conn
}

func (e *Engine) write(conn *websocket.Conn, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		e.log.Debug("write failed", "error", err)
	}
}

// dispatch parses one inbound frame, records it as the last message, and fans
// it out. Malformed frames are logged and dropped; heartbeat and pong frames
// are consumed after recording and never reach subscribers.
func (e *Engine) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		e.log.Debug("dropping malformed frame", "error", err)
		return
	}

	e.subMu.Lock()
	e.lastMsg = &env
	handlers := append([]subscription(nil), e.subs[env.Type]...)
	e.subMu.Unlock()

	if env.Type == TypeHeartbeat || env.Type == TypePong {
		return
	}

	if e.cfg.OnMessage != nil {
		e.invoke(env.Type, e.cfg.OnMessage, &env)
	}
	for _, s := range handlers {
		e.invoke(env.Type, s.fn, &env)
	}
}

func (e *Engine) invoke(msgType string, h Handler, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panicked", "type", msgType, "panic", r)
		}
	}()
	h(env)
}
