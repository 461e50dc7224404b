package relay

// Strategy selects how Resolve reconciles a local optimistic version with a
// diverging remote version of the same entity.
type Strategy string

const (
	// StrategyLocal keeps the local version and writes nothing.
	StrategyLocal Strategy = "local"

	// StrategyRemote adopts the remote version and writes it to the cache.
	StrategyRemote Strategy = "remote"

	// StrategyMerge shallow-merges the two versions, remote fields winning
	// on collisions, and writes the result to the cache.
	StrategyMerge Strategy = "merge"

	// StrategyManual writes nothing and flags the conflict for a human or
	// UI layer to resolve.
	StrategyManual Strategy = "manual"
)

// Conflict is the outcome of a resolution. When Manual is set, Resolved is
// nil and both versions are preserved for downstream resolution; the engine
// enforces no deadline on that.
type Conflict struct {
	EntityType string
	EntityID   string
	Local      map[string]any
	Remote     map[string]any
	Resolved   map[string]any
	Manual     bool
}

// Resolve applies the strategy to a detected divergence between a local
// optimistic version and a remote version of the same entity. Cache writes go
// through the bridge's optimistic-update path. An unknown strategy is treated
// as manual.
func (e *Engine) Resolve(entityType, entityID string, local, remote map[string]any, strategy Strategy) *Conflict {
	c := &Conflict{
		EntityType: entityType,
		EntityID:   entityID,
		Local:      local,
		Remote:     remote,
	}

	switch strategy {
	case StrategyLocal:
		c.Resolved = local

	case StrategyRemote:
		c.Resolved = remote
		e.bridge.OptimisticUpdate(entityType, entityID, remote)

	case StrategyMerge:
		c.Resolved = mergeShallow(local, remote)
		e.bridge.OptimisticUpdate(entityType, entityID, c.Resolved)

	case StrategyManual:
		c.Manual = true

	default:
		e.log.Debug("unknown conflict strategy, deferring to manual resolution",
			"strategy", strategy, "entityType", entityType, "entityId", entityID)
		c.Manual = true
	}

	return c
}
