package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func activity(userID string, kind ActivityKind) UserActivity {
	return UserActivity{UserID: userID, Kind: kind, Timestamp: time.Now().UnixMilli()}
}

func entityActivity(userID string, kind ActivityKind, entityType, entityID string) UserActivity {
	a := activity(userID, kind)
	a.EntityType = entityType
	a.EntityID = entityID
	return a
}

// ============================================================================
// Activity folding
// ============================================================================

func TestPresenceActivity(t *testing.T) {
	t.Run("online and offline drive presence", func(t *testing.T) {
		e := newDetachedEngine()
		e.presence.apply(activity("u1", ActivityOnline))
		e.presence.apply(activity("u2", ActivityOnline))
		e.presence.apply(activity("u2", ActivityOffline))

		assert.Equal(t, []string{"u1"}, e.OnlineUsers())
		state := e.Collaboration()
		assert.Equal(t, PresenceOnline, state.UserPresence["u1"])
		assert.Equal(t, PresenceOffline, state.UserPresence["u2"])
	})

	t.Run("typing does not touch presence", func(t *testing.T) {
		e := newDetachedEngine()
		e.presence.apply(activity("u1", ActivityTyping))

		state := e.Collaboration()
		assert.Contains(t, state.ActiveUsers, "u1")
		assert.NotContains(t, state.UserPresence, "u1")
		assert.Empty(t, e.OnlineUsers())
	})

	t.Run("last activity wins per user", func(t *testing.T) {
		e := newDetachedEngine()
		e.presence.apply(activity("u1", ActivityOnline))
		e.presence.apply(entityActivity("u1", ActivityEditing, "task", "42"))

		state := e.Collaboration()
		assert.Equal(t, ActivityEditing, state.ActiveUsers["u1"].Kind)
		// Presence from the earlier online activity is untouched.
		assert.Equal(t, PresenceOnline, state.UserPresence["u1"])
	})

	t.Run("viewing and editing populate entity sets", func(t *testing.T) {
		e := newDetachedEngine()
		e.presence.apply(entityActivity("u1", ActivityViewing, "task", "42"))
		e.presence.apply(entityActivity("u2", ActivityEditing, "task", "42"))
		e.presence.apply(entityActivity("u3", ActivityViewing, "task", "42"))

		viewers, editors := e.EntityCollaborators("task", "42")
		assert.Equal(t, []string{"u1", "u3"}, viewers)
		assert.Equal(t, []string{"u2"}, editors)
	})

	t.Run("entity reference is required for viewer sets", func(t *testing.T) {
		e := newDetachedEngine()
		e.presence.apply(activity("u1", ActivityViewing))

		state := e.Collaboration()
		assert.Empty(t, state.EntityViewers)
	})

	t.Run("missing user id is ignored", func(t *testing.T) {
		e := newDetachedEngine()
		e.presence.apply(UserActivity{Kind: ActivityOnline})
		assert.Empty(t, e.Collaboration().ActiveUsers)
	})
}

// ============================================================================
// Join / Leave
// ============================================================================

func TestJoinLeaveEntity(t *testing.T) {
	t.Run("join applies locally, leave prunes empty sets", func(t *testing.T) {
		e := newDetachedEngine()
		e.JoinEntity("task", "42", ActivityEditing)

		_, editors := e.EntityCollaborators("task", "42")
		assert.Equal(t, []string{"user-local"}, editors)

		e.LeaveEntity("task", "42")
		viewers, editors := e.EntityCollaborators("task", "42")
		assert.Empty(t, viewers)
		assert.Empty(t, editors)

		state := e.Collaboration()
		assert.NotContains(t, state.EntityEditors, "task:42")
		assert.NotContains(t, state.EntityViewers, "task:42")
	})

	t.Run("leave keeps other collaborators", func(t *testing.T) {
		e := newDetachedEngine()
		e.presence.apply(entityActivity("u2", ActivityEditing, "task", "42"))
		e.JoinEntity("task", "42", ActivityEditing)

		e.LeaveEntity("task", "42")
		_, editors := e.EntityCollaborators("task", "42")
		assert.Equal(t, []string{"u2"}, editors)
	})

	t.Run("join broadcasts and leave notifies the server", func(t *testing.T) {
		s := newWSServer(t)
		e := New(fastOptions(s))
		defer e.Disconnect()

		require.NoError(t, e.Connect(testContext(t)))
		s.waitConn(t)

		e.JoinEntity("task", "42", ActivityViewing)
		env := s.waitFrame(t, TypeUserActivity)
		var a UserActivity
		require.NoError(t, json.Unmarshal(env.Payload, &a))
		assert.Equal(t, ActivityViewing, a.Kind)
		assert.Equal(t, "task", a.EntityType)
		assert.Equal(t, "42", a.EntityID)

		e.LeaveEntity("task", "42")
		env = s.waitFrame(t, TypeLeaveEntity)
		var leave LeaveEntityPayload
		require.NoError(t, json.Unmarshal(env.Payload, &leave))
		assert.Equal(t, "user-local", leave.UserID)
		assert.Equal(t, "42", leave.EntityID)
	})
}

// ============================================================================
// Remote activity and reset
// ============================================================================

func TestRemoteActivity(t *testing.T) {
	t.Run("inbound user_activity updates collaboration state", func(t *testing.T) {
		s := newWSServer(t)
		e := New(fastOptions(s))
		defer e.Disconnect()

		require.NoError(t, e.Connect(testContext(t)))
		conn := s.waitConn(t)

		s.push(t, conn, Envelope{
			Type:      TypeUserActivity,
			Payload:   rawPayload(t, entityActivity("u9", ActivityEditing, "doc", "7")),
			Timestamp: time.Now().UnixMilli(),
		})

		waitFor(t, func() bool {
			_, editors := e.EntityCollaborators("doc", "7")
			return len(editors) == 1
		}, "remote editor to appear")
	})

	t.Run("collaboration state is cleared on disconnect", func(t *testing.T) {
		s := newWSServer(t)
		e := New(fastOptions(s))

		require.NoError(t, e.Connect(testContext(t)))
		conn := s.waitConn(t)

		s.push(t, conn, Envelope{
			Type:      TypeUserActivity,
			Payload:   rawPayload(t, activity("u1", ActivityOnline)),
			Timestamp: time.Now().UnixMilli(),
		})
		e.JoinEntity("task", "42", ActivityEditing)
		waitFor(t, func() bool { return len(e.OnlineUsers()) == 1 }, "online user")

		require.NoError(t, e.Disconnect())

		state := e.Collaboration()
		assert.Empty(t, state.ActiveUsers)
		assert.Empty(t, state.UserPresence)
		assert.Empty(t, state.EntityViewers)
		assert.Empty(t, state.EntityEditors)
	})

	t.Run("does not survive an automatic reconnect", func(t *testing.T) {
		s := newWSServer(t)
		e := New(fastOptions(s))
		defer e.Disconnect()

		require.NoError(t, e.Connect(testContext(t)))
		conn := s.waitConn(t)

		e.JoinEntity("task", "42", ActivityEditing)
		s.push(t, conn, Envelope{
			Type:      TypeUserActivity,
			Payload:   rawPayload(t, activity("u1", ActivityOnline)),
			Timestamp: time.Now().UnixMilli(),
		})
		waitFor(t, func() bool { return len(e.OnlineUsers()) == 1 }, "online user")

		conn.Close(websocket.StatusInternalError, "kicked")
		s.waitConn(t)
		waitFor(t, func() bool { return e.State() == StateConnected }, "reconnected state")

		// Collaborators from before the drop must re-announce themselves;
		// the new socket carries no record of them.
		_, editors := e.EntityCollaborators("task", "42")
		assert.Empty(t, editors)
		assert.Empty(t, e.OnlineUsers())
		assert.Empty(t, e.Collaboration().ActiveUsers)
	})

	t.Run("cleared on abnormal close without retries", func(t *testing.T) {
		s := newWSServer(t)
		opts := fastOptions(s)
		opts.DisableReconnect = true
		e := New(opts)
		defer e.Disconnect()

		require.NoError(t, e.Connect(testContext(t)))
		conn := s.waitConn(t)

		e.JoinEntity("task", "42", ActivityViewing)
		conn.Close(websocket.StatusInternalError, "kicked")

		waitFor(t, func() bool { return e.State() == StateDisconnected }, "disconnected state")
		assert.Empty(t, e.Collaboration().EntityViewers)
	})
}
