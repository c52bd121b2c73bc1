package engine

const logPrefix = "log."

// PushLog appends entry to the log of id and notifies subscribers of
// "log.<id>".
func (e *Engine) PushLog(id string, entry any) error {
	if id == "" {
		return invalidArgument("missing id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs[id] = append(e.logs[id], cloneValue(entry))
	e.publishAllLocked(KindLog, logPrefix+id, cloneValue(entry))
	e.metrics.recordWrite("push_log")
	return nil
}

// LenLog returns the number of queued entries.
func (e *Engine) LenLog(id string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.logs[id]
	if !ok {
		return 0, notFound(id)
	}
	return len(list), nil
}

// GetLog pops the oldest entry; an empty log yields nil.
func (e *Engine) GetLog(id string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, ok := e.logs[id]
	if !ok {
		return nil, notFound(id)
	}
	if len(list) == 0 {
		return nil, nil
	}
	entry := list[0]
	list[0] = nil
	e.logs[id] = list[1:]
	return entry, nil
}

// SubscribeLog delivers entries pushed to the log of id to c.
func (e *Engine) SubscribeLog(c Conn, id string) { e.subscribe(c, KindLog, logPrefix+id) }

// UnsubscribeLog stops SubscribeLog.
func (e *Engine) UnsubscribeLog(c Conn, id string) { e.unsubscribe(c, KindLog, logPrefix+id) }
