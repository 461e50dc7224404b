package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nhooyr.io/websocket"
)

// ErrMaxReconnectAttempts is recorded in ConnectionInfo.LastError and passed
// to OnError when the reconnect attempt budget is exhausted.
var ErrMaxReconnectAttempts = errors.New("max reconnection attempts reached")

// Connect opens the connection. It is idempotent: a no-op while already
// connecting or connected. On success the engine sends the auth envelope,
// starts the read and heartbeat loops, and transitions to StateConnected.
//
// A dial failure is recorded in ConnectionInfo and returned. Unless
// DisableReconnect is set the engine keeps retrying on the configured
// interval, so a non-nil error does not mean the engine has given up.
func (e *Engine) Connect(ctx context.Context) error {
	return e.connect(ctx, true)
}

// connect is the shared dial path. userInitiated distinguishes an explicit
// Connect, which lifts the reconnect suppression set by Disconnect, from a
// retry-timer fire, which must respect it.
func (e *Engine) connect(ctx context.Context, userInitiated bool) error {
	if e.cfg.URL == "" {
		err := errors.New("relay: URL is required")
		e.mu.Lock()
		e.info.LastError = err.Error()
		notify := e.setStateLocked(StateErrored)
		e.mu.Unlock()
		notify()
		return err
	}

	e.mu.Lock()
	if e.state == StateConnecting || e.state == StateConnected {
		e.mu.Unlock()
		return nil
	}
	if userInitiated {
		e.suppressReconnect = false
	} else if e.suppressReconnect {
		e.mu.Unlock()
		return nil
	}
	notify := e.setStateLocked(StateConnecting)
	e.mu.Unlock()
	notify()

	conn, _, err := websocket.Dial(ctx, e.cfg.URL, &websocket.DialOptions{
		Subprotocols: e.cfg.Protocols,
		HTTPClient:   e.cfg.HTTPClient,
	})
	if err != nil {
		e.dialFailed(err)
		return fmt.Errorf("relay: dial %s: %w", e.cfg.URL, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if e.suppressReconnect {
		// Disconnect was requested while the dial was in flight.
		notify = e.setStateLocked(StateDisconnected)
		e.mu.Unlock()
		notify()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	e.conn = conn
	e.cancelFn = cancel
	e.info.Attempts = 0
	e.info.LastConnected = time.Now()
	e.info.LastError = ""
	if e.resuming {
		e.resuming = false
		e.info.Reconnects++
	}
	notify = e.setStateLocked(StateConnected)
	e.mu.Unlock()
	notify()

	e.sendAuth()
	if e.cfg.OnOpen != nil {
		e.cfg.OnOpen()
	}

	go e.readLoop(connCtx, conn)
	if !e.cfg.DisableHeartbeat {
		go e.heartbeatLoop(connCtx)
	}
	return nil
}

// Disconnect closes the connection with a normal-closure code and suppresses
// automatic reconnection. It cancels the pending reconnect timer and the
// heartbeat loop before touching the transport, and is idempotent.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	e.suppressReconnect = true
	e.resuming = false
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	if e.cancelFn != nil {
		e.cancelFn()
		e.cancelFn = nil
	}
	conn := e.conn
	e.conn = nil
	already := e.state == StateDisconnected
	if !already {
		e.info.LastDisconnected = time.Now()
	}
	notify := e.setStateLocked(StateDisconnected)
	e.mu.Unlock()
	notify()

	e.presence.clear()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !already && e.cfg.OnClose != nil {
		e.cfg.OnClose(int(websocket.StatusNormalClosure), "client disconnect")
	}
	return err
}

// dialFailed routes a failed dial into the reconnect machinery, or into the
// terminal Errored state when reconnection is off.
func (e *Engine) dialFailed(err error) {
	e.log.Debug("dial failed", "url", e.cfg.URL, "error", err)

	e.mu.Lock()
	e.info.LastError = err.Error()
	if e.suppressReconnect {
		// Disconnect raced the dial; stay down without retrying.
		notify := e.setStateLocked(StateDisconnected)
		e.mu.Unlock()
		notify()
		return
	}
	if e.cfg.DisableReconnect {
		notify := e.setStateLocked(StateErrored)
		e.mu.Unlock()
		notify()
		e.reportError(err)
		return
	}
	e.mu.Unlock()

	e.reportError(err)
	e.scheduleReconnect()
}

// readLoop pumps inbound frames into the router until the transport fails.
// Dispatch is inline so subscribers observe envelopes in delivery order.
func (e *Engine) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			e.handleTransportClose(err)
			return
		}
		e.dispatch(data)
	}
}

// handleTransportClose runs once per connection, when its read loop ends.
func (e *Engine) handleTransportClose(err error) {
	code := websocket.CloseStatus(err)

	e.mu.Lock()
	if e.suppressReconnect {
		// Disconnect already tore the connection down.
		e.mu.Unlock()
		return
	}
	if e.cancelFn != nil {
		e.cancelFn()
		e.cancelFn = nil
	}
	e.conn = nil
	e.info.LastDisconnected = time.Now()
	e.info.LastError = err.Error()

	abnormal := code != websocket.StatusNormalClosure
	retry := abnormal && !e.cfg.DisableReconnect

	var notify func()
	if retry {
		notify = func() {}
	} else {
		notify = e.setStateLocked(StateDisconnected)
	}
	e.mu.Unlock()
	notify()

	// Server-side presence is gone with the transport; collaborators
	// re-announce themselves on the next connection.
	e.presence.clear()
	if e.cfg.OnClose != nil {
		e.cfg.OnClose(int(code), err.Error())
	}
	if abnormal {
		e.reportError(err)
	}
	if retry {
		e.scheduleReconnect()
	}
}

// scheduleReconnect arms the retry timer and transitions to Reconnecting,
// or to the terminal Errored state once the attempt budget is spent.
func (e *Engine) scheduleReconnect() {
	e.mu.Lock()
	if e.suppressReconnect {
		e.mu.Unlock()
		return
	}
	if e.info.Attempts >= e.cfg.ReconnectAttempts {
		e.info.LastError = ErrMaxReconnectAttempts.Error()
		e.resuming = false
		notify := e.setStateLocked(StateErrored)
		e.mu.Unlock()
		notify()
		e.presence.clear()
		e.log.Debug("giving up on reconnection", "attempts", e.cfg.ReconnectAttempts)
		e.reportError(ErrMaxReconnectAttempts)
		return
	}

	e.info.Attempts++
	attempt := e.info.Attempts
	e.resuming = true
	notify := e.setStateLocked(StateReconnecting)
	e.reconnectTimer = time.AfterFunc(e.cfg.ReconnectInterval, func() {
		e.log.Debug("reconnecting", "attempt", attempt)
		// connect handles its own failure path, which loops back here.
		_ = e.connect(context.Background(), false)
	})
	e.mu.Unlock()
	notify()
}

// heartbeatLoop emits heartbeat envelopes while the connection stays up. The
// context is cancelled on close, so a stale loop never outlives its
// connection.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.State() != StateConnected {
				return
			}
			e.Send(TypeHeartbeat, nil)
		}
	}
}

func (e *Engine) sendAuth() {
	e.Send(TypeAuth, AuthPayload{
		UserID:        e.cfg.UserID,
		Subscriptions: e.cfg.Subscriptions,
	})
}

func (e *Engine) reportError(err error) {
	if e.cfg.OnError != nil {
		e.cfg.OnError(err)
	}
}
