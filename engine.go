// Package relay implements the Relay real-time synchronization engine: a
// websocket connection manager with heartbeat and reconnection, a typed
// publish/subscribe message router, multi-user presence tracking, and a
// bridge that reconciles remote entity mutations into a local cache.
//
// Example:
//
//	engine := relay.New(&relay.Options{
//		URL:    "wss://relay.example.com/ws",
//		UserID: "user-42",
//	})
//	defer engine.Disconnect()
//
//	unsubscribe := engine.Subscribe(relay.TypeNotification, func(env *relay.Envelope) {
//		// ...
//	})
//	defer unsubscribe()
//
//	if err := engine.Connect(ctx); err != nil {
//		// engine keeps retrying in the background unless DisableReconnect is set
//	}
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Engine owns at most one live connection, the subscription table, the
// collaboration state, and the cache synchronization bridge. All mutation of
// these goes through Engine methods; none of them panic or surface transport
// failures as errors beyond Connect and Disconnect.
type Engine struct {
	cfg *Options
	log *slog.Logger

	mu                sync.Mutex
	state             ConnectionState
	conn              *websocket.Conn
	cancelFn          context.CancelFunc
	reconnectTimer    *time.Timer
	suppressReconnect bool
	resuming          bool
	info              ConnectionInfo

	subMu     sync.RWMutex
	subs      map[string][]subscription
	nextSubID uint64
	lastMsg   *Envelope

	presence *presenceTracker
	bridge   *CacheBridge
}

// New creates an engine from opts. The options value is copied; later
// mutation of opts has no effect. Call Connect to open the connection.
func New(opts *Options) *Engine {
	cfg := *opts
	cfg.defaults()

	e := &Engine{
		cfg:      &cfg,
		log:      cfg.Logger,
		state:    StateDisconnected,
		subs:     make(map[string][]subscription),
		presence: newPresenceTracker(),
	}
	e.bridge = &CacheBridge{
		cache:    cfg.Cache,
		log:      cfg.Logger,
		onCreate: cfg.OnEntityCreate,
		onUpdate: cfg.OnEntityUpdate,
		onDelete: cfg.OnEntityDelete,
	}

	// Internal consumers register first so they observe envelopes before
	// any caller-supplied handler for the same type.
	e.Subscribe(TypeUserActivity, e.handleUserActivity)
	e.Subscribe(TypeEntityUpdate, e.handleEntityUpdate)

	return e
}

// State returns the current connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Info returns a diagnostics snapshot of the connection.
func (e *Engine) Info() ConnectionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := e.info
	if e.state == StateConnected && !info.LastConnected.IsZero() {
		info.Uptime = time.Since(info.LastConnected)
	}
	return info
}

// Cache returns the entity cache the bridge writes through.
func (e *Engine) Cache() EntityCache {
	return e.bridge.cache
}

// OptimisticUpdate applies a locally-initiated partial edit to the cache
// before server confirmation. See CacheBridge.OptimisticUpdate.
func (e *Engine) OptimisticUpdate(entityType, entityID string, updates map[string]any) {
	e.bridge.OptimisticUpdate(entityType, entityID, updates)
}

// setStateLocked mutates the state machine. Callers hold e.mu and are
// responsible for invoking the returned notify func after unlocking, so user
// callbacks never run under the engine lock.
func (e *Engine) setStateLocked(to ConnectionState) (notify func()) {
	old := e.state
	if old == to {
		return func() {}
	}
	e.state = to
	e.log.Debug("connection state changed", "from", old, "to", to)
	if cb := e.cfg.OnStateChange; cb != nil {
		return func() { cb(old, to) }
	}
	return func() {}
}

func (e *Engine) handleUserActivity(env *Envelope) {
	var a UserActivity
	if err := json.Unmarshal(env.Payload, &a); err != nil {
		e.log.Debug("dropping malformed user_activity payload", "error", err)
		return
	}
	if a.UserID == "" {
		a.UserID = env.UserID
	}
	e.presence.apply(a)
}

func (e *Engine) handleEntityUpdate(env *Envelope) {
	var u EntityUpdate
	if err := json.Unmarshal(env.Payload, &u); err != nil {
		e.log.Debug("dropping malformed entity_update payload", "error", err)
		return
	}
	e.bridge.Apply(&u)
}
