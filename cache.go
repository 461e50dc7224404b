package relay

import (
	"log/slog"
	"sync"
)

// ============================================================================
// EntityCache
// ============================================================================

// EntityCache is the narrow contract the engine uses to push remote mutations
// into an externally owned data cache. Implementations adapt whatever
// query-cache the host application uses; MemoryCache is a self-contained
// default.
type EntityCache interface {
	// GetEntity returns the single-entity slot for (entityType, entityID).
	GetEntity(entityType, entityID string) (map[string]any, bool)

	// SetEntity writes the single-entity slot.
	SetEntity(entityType, entityID string, value map[string]any)

	// PatchListWhere shallow-merges patch into every cached list row of
	// entityType for which match returns true.
	PatchListWhere(entityType string, match func(row map[string]any) bool, patch map[string]any)

	// RemoveEntity deletes the single-entity slot and removes any matching
	// row (by "id") from the cached list.
	RemoveEntity(entityType, entityID string)

	// Invalidate discards the cached list for entityType so the owner
	// refetches it.
	Invalidate(entityType string)
}

// MemoryCache is a goroutine-safe in-memory EntityCache: one slot per
// (entityType, entityId) and one cached list per entityType.
type MemoryCache struct {
	mu       sync.RWMutex
	entities map[string]map[string]map[string]any
	lists    map[string][]map[string]any

	// OnInvalidate, if set before use, is called after a list is discarded.
	// It stands in for the host application's refetch trigger.
	OnInvalidate func(entityType string)
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entities: make(map[string]map[string]map[string]any),
		lists:    make(map[string][]map[string]any),
	}
}

func (c *MemoryCache) GetEntity(entityType, entityID string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entities[entityType][entityID]
	return v, ok
}

func (c *MemoryCache) SetEntity(entityType, entityID string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entities[entityType] == nil {
		c.entities[entityType] = make(map[string]map[string]any)
	}
	c.entities[entityType][entityID] = value
}

func (c *MemoryCache) PatchListWhere(entityType string, match func(row map[string]any) bool, patch map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range c.lists[entityType] {
		if match(row) {
			for k, v := range patch {
				row[k] = v
			}
		}
	}
}

func (c *MemoryCache) RemoveEntity(entityType, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slots, ok := c.entities[entityType]; ok {
		delete(slots, entityID)
		if len(slots) == 0 {
			delete(c.entities, entityType)
		}
	}

	if rows, ok := c.lists[entityType]; ok {
		kept := rows[:0]
		for _, row := range rows {
			if id, _ := row["id"].(string); id != entityID {
				kept = append(kept, row)
			}
		}
		c.lists[entityType] = kept
	}
}

func (c *MemoryCache) Invalidate(entityType string) {
	c.mu.Lock()
	delete(c.lists, entityType)
	c.mu.Unlock()

	if c.OnInvalidate != nil {
		c.OnInvalidate(entityType)
	}
}

// PutList replaces the cached list for entityType, e.g. after a refetch.
func (c *MemoryCache) PutList(entityType string, rows []map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[entityType] = rows
}

// List returns the cached list for entityType. The slice is a copy; the rows
// are shared.
func (c *MemoryCache) List(entityType string) []map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]map[string]any(nil), c.lists[entityType]...)
}

// ============================================================================
// Cache Synchronization Bridge
// ============================================================================

// CacheBridge translates entity_update traffic into cache operations. It is
// the engine's only interface to the rest of the application's data layer.
type CacheBridge struct {
	cache EntityCache
	log   *slog.Logger

	onCreate func(u *EntityUpdate)
	onUpdate func(u *EntityUpdate)
	onDelete func(entityID, entityType string)
}

// Apply dispatches one remote mutation by action:
//
//   - create: the new item is unknown locally, so the list is invalidated for
//     a refetch rather than merged.
//   - update: the payload is written into the single-entity slot and patched
//     into every list row with the same id.
//   - delete: the slot and any matching list rows are removed.
func (b *CacheBridge) Apply(u *EntityUpdate) {
	switch u.Action {
	case ActionCreate:
		b.cache.Invalidate(u.EntityType)
		if b.onCreate != nil {
			b.onCreate(u)
		}

	case ActionUpdate:
		b.cache.SetEntity(u.EntityType, u.EntityID, u.Data)
		b.cache.PatchListWhere(u.EntityType, matchID(u.EntityID), u.Data)
		if b.onUpdate != nil {
			b.onUpdate(u)
		}

	case ActionDelete:
		b.cache.RemoveEntity(u.EntityType, u.EntityID)
		if b.onDelete != nil {
			b.onDelete(u.EntityID, u.EntityType)
		}

	default:
		b.log.Debug("ignoring entity_update with unknown action",
			"action", u.Action, "entityType", u.EntityType, "entityId", u.EntityID)
	}
}

// OptimisticUpdate applies a locally-initiated partial edit ahead of server
// confirmation: the patch is shallow-merged over the existing slot (created
// if absent) and into matching list rows.
func (b *CacheBridge) OptimisticUpdate(entityType, entityID string, updates map[string]any) {
	value := updates
	if current, ok := b.cache.GetEntity(entityType, entityID); ok {
		value = mergeShallow(current, updates)
	}
	b.cache.SetEntity(entityType, entityID, value)
	b.cache.PatchListWhere(entityType, matchID(entityID), updates)
}

func matchID(entityID string) func(row map[string]any) bool {
	return func(row map[string]any) bool {
		id, _ := row["id"].(string)
		return id == entityID
	}
}

// mergeShallow returns a new map holding base overlaid with patch; patch
// fields win on key collisions.
func mergeShallow(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
