package engine

// PushFifoExists appends v to an existing fifo and returns its contents.
func (e *Engine) PushFifoExists(id string, v any) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.fifos[id]
	if !ok {
		return nil, notFound(id)
	}
	list = append(list, cloneValue(v))
	e.fifos[id] = list
	e.metrics.recordWrite("push_fifo")
	return cloneList(list), nil
}

// PushFifo appends v, creating the fifo when needed.
func (e *Engine) PushFifo(id string, v any) ([]any, error) {
	if id == "" {
		return nil, invalidArgument("missing id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	list := append(e.fifos[id], cloneValue(v))
	e.fifos[id] = list
	e.metrics.recordWrite("push_fifo")
	return cloneList(list), nil
}

// LenFifo returns the number of entries.
func (e *Engine) LenFifo(id string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.fifos[id]
	if !ok {
		return 0, notFound(id)
	}
	return len(list), nil
}

// GetFifo returns a copy of every entry.
func (e *Engine) GetFifo(id string) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.fifos[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneList(list), nil
}

// GetFifoRange returns the entries at indices start..end inclusive. Indices
// outside the fifo are skipped.
func (e *Engine) GetFifoRange(id string, start, end int) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.fifos[id]
	if !ok {
		return nil, notFound(id)
	}
	start = max(start, 0)
	end = min(end, len(list)-1)
	out := make([]any, 0)
	for i := start; i <= end; i++ {
		out = append(out, cloneValue(list[i]))
	}
	return out, nil
}

// TrimFifo does nothing while the fifo holds at most maxLen entries. Past
// that it evicts the oldest entries until minLen remain and returns them.
func (e *Engine) TrimFifo(id string, minLen, maxLen int) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.fifos[id]
	if !ok {
		return nil, notFound(id)
	}
	e.logger.Debug("engine.fifo.trim", "id", id, "min", minLen, "max", maxLen, "len", len(list))
	if len(list) <= maxLen {
		return []any{}, nil
	}
	if minLen < 0 {
		minLen = 0
	}
	n := len(list) - minLen
	if n <= 0 {
		return []any{}, nil
	}
	removed := make([]any, n)
	copy(removed, list[:n])
	e.fifos[id] = append(list[:0:0], list[n:]...)
	e.metrics.recordWrite("trim_fifo")
	return removed, nil
}
