package engine

import (
	"sort"

	"pkt.systems/statebus/internal/pattern"
)

// GetConfig returns a copy of the config object, or nil when id is unknown.
func (e *Engine) GetConfig(id string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneObject(e.objects[id]), nil
}

// GetConfigs mirrors GetStates for config objects.
func (e *Engine) GetConfigs(ids []string) ([]map[string]any, error) {
	if ids == nil {
		return nil, invalidArgument("no keys")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = cloneObject(e.objects[id])
	}
	return out, nil
}

// GetConfigKeys returns the config ids matching glob, sorted.
func (e *Engine) GetConfigKeys(glob string) ([]string, error) {
	m := pattern.Compile(glob)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0)
	for id := range e.objects {
		if m.Match(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SetConfig replaces the config object of id.
func (e *Engine) SetConfig(id string, obj map[string]any) error {
	if id == "" {
		return invalidArgument("missing id")
	}
	if obj == nil {
		return invalidArgument("missing object for %q", id)
	}
	stored := cloneObject(obj)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.objects[id] = stored
	e.publishAllLocked(KindObjects, id, cloneObject(stored))
	e.metrics.recordWrite("set_config")
	e.armConfigSaveLocked()
	return nil
}

// DelConfig removes id, or reports ErrNotFound.
func (e *Engine) DelConfig(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.objects[id]; !ok {
		return notFound(id)
	}
	delete(e.objects, id)
	e.publishAllLocked(KindObjects, id, nil)
	e.metrics.recordWrite("del_config")
	e.armConfigSaveLocked()
	return nil
}

// SubscribeConfig delivers config changes whose id matches glob to c.
func (e *Engine) SubscribeConfig(c Conn, glob string) { e.subscribe(c, KindObjects, glob) }

// UnsubscribeConfig removes a config subscription of c.
func (e *Engine) UnsubscribeConfig(c Conn, glob string) { e.unsubscribe(c, KindObjects, glob) }
