package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// Reserved envelope types with engine-defined semantics. Any other type is
// opaque to the engine and dispatched to subscribers as-is.
const (
	TypeHeartbeat    = "heartbeat"
	TypePong         = "pong"
	TypeAuth         = "auth"
	TypeEntityUpdate = "entity_update"
	TypeUserActivity = "user_activity"
	TypeLeaveEntity  = "leave_entity"
	TypeNotification = "notification"
)

// Envelope is the wire format for all traffic, both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
}

// AuthPayload is sent once per connection, immediately after open.
type AuthPayload struct {
	UserID        string   `json:"userId"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// EntityAction discriminates entity_update payloads.
type EntityAction string

const (
	ActionCreate EntityAction = "create"
	ActionUpdate EntityAction = "update"
	ActionDelete EntityAction = "delete"
)

// EntityUpdate is the payload of an entity_update envelope.
type EntityUpdate struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     EntityAction   `json:"action"`
	Data       map[string]any `json:"data,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

// ActivityKind classifies a user_activity payload.
type ActivityKind string

const (
	ActivityOnline  ActivityKind = "online"
	ActivityOffline ActivityKind = "offline"
	ActivityTyping  ActivityKind = "typing"
	ActivityViewing ActivityKind = "viewing"
	ActivityEditing ActivityKind = "editing"
)

// UserActivity is one presence fact about one user. The next activity of the
// same kind from the same user supersedes it.
type UserActivity struct {
	UserID     string         `json:"userId"`
	Kind       ActivityKind   `json:"type"`
	EntityType string         `json:"entityType,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// LeaveEntityPayload is sent when the local user stops collaborating on an
// entity.
type LeaveEntityPayload struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	UserID     string `json:"userId"`
}

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	// StateDisconnected means no transport is open and no retry is pending.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the transport is open and traffic flows.
	StateConnected

	// StateReconnecting means the transport dropped abnormally and a retry
	// timer is pending.
	StateReconnecting

	// StateErrored is terminal: the reconnect attempt budget is exhausted or
	// the dial failed with reconnection disabled. No further automatic
	// transition occurs.
	StateErrored
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a diagnostics snapshot, refreshed on every transition.
type ConnectionInfo struct {
	// Attempts counts consecutive failed reconnect attempts. Reset to zero
	// on every successful connection.
	Attempts int

	// Reconnects counts successful reconnections over the engine's lifetime.
	Reconnects int

	LastConnected    time.Time
	LastDisconnected time.Time

	// LastError holds the most recent transport error text, if any.
	LastError string

	// Uptime is the duration since LastConnected while connected, zero
	// otherwise.
	Uptime time.Duration
}

// ============================================================================
// Presence
// ============================================================================

// Presence is a user's coarse availability, distinct from fine-grained
// activity on a specific entity.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
)

// CollaborationState is an aggregate presence snapshot. Maps are copies; the
// caller may retain them.
type CollaborationState struct {
	// ActiveUsers holds the latest activity per user.
	ActiveUsers map[string]UserActivity

	// UserPresence holds coarse availability per user.
	UserPresence map[string]Presence

	// EntityViewers and EntityEditors are keyed "entityType:entityId".
	// Entries are removed when their user set becomes empty.
	EntityViewers map[string][]string
	EntityEditors map[string][]string
}

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectInterval = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Options configures an Engine. The zero value of every optional field maps
// to its documented default.
type Options struct {
	// URL is the websocket endpoint. Required.
	URL string

	// Protocols lists websocket subprotocols offered at dial time.
	Protocols []string

	// UserID identifies the local user in presence broadcasts and on every
	// outbound envelope.
	UserID string

	// Subscriptions is advertised to the server in the auth envelope.
	Subscriptions []string

	// ReconnectAttempts caps consecutive reconnect attempts before the
	// engine enters StateErrored. Default 5.
	ReconnectAttempts int

	// ReconnectInterval is the fixed delay between reconnect attempts.
	// The upstream behavior is a fixed interval, not exponential backoff;
	// callers wanting a different curve can adjust this value between
	// attempts via OnStateChange. Default 3s.
	ReconnectInterval time.Duration

	// HeartbeatInterval is the cadence of outbound heartbeat envelopes
	// while connected. Default 30s.
	HeartbeatInterval time.Duration

	// DisableHeartbeat turns the heartbeat loop off.
	DisableHeartbeat bool

	// DisableReconnect turns automatic reconnection off; an abnormal close
	// then transitions straight to StateDisconnected.
	DisableReconnect bool

	// Debug enables debug-level logging on the default logger.
	Debug bool

	// Logger overrides the engine logger. Defaults to slog.Default, or a
	// debug-level text handler when Debug is set.
	Logger *slog.Logger

	// HTTPClient is used for the websocket handshake.
	HTTPClient *http.Client

	// Cache receives entity writes from the synchronization bridge.
	// Defaults to a fresh MemoryCache.
	Cache EntityCache

	// Lifecycle callbacks. All are invoked from engine goroutines and must
	// not block.
	OnOpen        func()
	OnClose       func(code int, reason string)
	OnError       func(err error)
	OnMessage     func(env *Envelope)
	OnStateChange func(old, new ConnectionState)

	// Entity callbacks fire after the corresponding cache mutation.
	OnEntityCreate func(u *EntityUpdate)
	OnEntityUpdate func(u *EntityUpdate)
	OnEntityDelete func(entityID, entityType string)
}

func (o *Options) defaults() {
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectInterval == 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Cache == nil {
		o.Cache = NewMemoryCache()
	}
	if o.Logger == nil {
		if o.Debug {
			o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))
		} else {
			o.Logger = slog.Default()
		}
	}
}
