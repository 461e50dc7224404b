package relay

import (
	"sort"
	"sync"
	"time"
)

// entityKey builds the "entityType:entityId" key used by the viewer and
// editor maps.
func entityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// presenceTracker holds the collaboration state derived from user_activity
// traffic and local broadcasts. It is owned by one engine and cleared
// whenever the connection goes down.
type presenceTracker struct {
	mu            sync.RWMutex
	activeUsers   map[string]UserActivity
	userPresence  map[string]Presence
	entityViewers map[string]map[string]struct{}
	entityEditors map[string]map[string]struct{}
}

func newPresenceTracker() *presenceTracker {
	p := &presenceTracker{}
	p.reset()
	return p
}

func (p *presenceTracker) reset() {
	p.activeUsers = make(map[string]UserActivity)
	p.userPresence = make(map[string]Presence)
	p.entityViewers = make(map[string]map[string]struct{})
	p.entityEditors = make(map[string]map[string]struct{})
}

// apply folds one activity into the state: last-write-wins per user, presence
// touched only by online/offline, viewer/editor sets grown only by
// viewing/editing with an entity reference.
func (p *presenceTracker) apply(a UserActivity) {
	if a.UserID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.activeUsers[a.UserID] = a

	switch a.Kind {
	case ActivityOnline:
		p.userPresence[a.UserID] = PresenceOnline
	case ActivityOffline:
		p.userPresence[a.UserID] = PresenceOffline
	case ActivityViewing, ActivityEditing:
		if a.EntityType == "" || a.EntityID == "" {
			return
		}
		key := entityKey(a.EntityType, a.EntityID)
		sets := p.entityViewers
		if a.Kind == ActivityEditing {
			sets = p.entityEditors
		}
		if sets[key] == nil {
			sets[key] = make(map[string]struct{})
		}
		sets[key][a.UserID] = struct{}{}
	}
}

// removeFromEntity drops the user from both the viewer and editor set of an
// entity, deleting either set once empty.
func (p *presenceTracker) removeFromEntity(key, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sets := range []map[string]map[string]struct{}{p.entityViewers, p.entityEditors} {
		if users, ok := sets[key]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(sets, key)
			}
		}
	}
}

func (p *presenceTracker) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

func (p *presenceTracker) collaborators(key string) (viewers, editors []string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return setToSlice(p.entityViewers[key]), setToSlice(p.entityEditors[key])
}

func (p *presenceTracker) onlineUsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var users []string
	for id, presence := range p.userPresence {
		if presence == PresenceOnline {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

func (p *presenceTracker) snapshot() CollaborationState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := CollaborationState{
		ActiveUsers:   make(map[string]UserActivity, len(p.activeUsers)),
		UserPresence:  make(map[string]Presence, len(p.userPresence)),
		EntityViewers: make(map[string][]string, len(p.entityViewers)),
		EntityEditors: make(map[string][]string, len(p.entityEditors)),
	}
	for id, a := range p.activeUsers {
		s.ActiveUsers[id] = a
	}
	for id, pr := range p.userPresence {
		s.UserPresence[id] = pr
	}
	for key, users := range p.entityViewers {
		s.EntityViewers[key] = setToSlice(users)
	}
	for key, users := range p.entityEditors {
		s.EntityEditors[key] = setToSlice(users)
	}
	return s
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Engine presence surface
// ============================================================================

// JoinEntity announces that the local user is viewing or editing an entity.
// The activity is applied locally and broadcast as a user_activity envelope.
// Mode should be ActivityViewing or ActivityEditing.
func (e *Engine) JoinEntity(entityType, entityID string, mode ActivityKind) {
	a := UserActivity{
		UserID:     e.cfg.UserID,
		Kind:       mode,
		EntityType: entityType,
		EntityID:   entityID,
		Timestamp:  time.Now().UnixMilli(),
	}
	e.presence.apply(a)
	e.Send(TypeUserActivity, a)
}

// LeaveEntity removes the local user from the entity's viewer and editor sets
// and notifies the server.
func (e *Engine) LeaveEntity(entityType, entityID string) {
	e.presence.removeFromEntity(entityKey(entityType, entityID), e.cfg.UserID)
	e.Send(TypeLeaveEntity, LeaveEntityPayload{
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     e.cfg.UserID,
	})
}

// EntityCollaborators returns the users currently viewing and editing an
// entity, sorted by user id.
func (e *Engine) EntityCollaborators(entityType, entityID string) (viewers, editors []string) {
	return e.presence.collaborators(entityKey(entityType, entityID))
}

// OnlineUsers returns the ids of all users whose presence is online, sorted.
func (e *Engine) OnlineUsers() []string {
	return e.presence.onlineUsers()
}

// Collaboration returns a copy of the full collaboration state.
func (e *Engine) Collaboration() CollaborationState {
	return e.presence.snapshot()
}
