package engine

import "time"

// SetSession replaces the session of id and (re)arms its countdown. A nil
// payload is stored as an empty object.
func (e *Engine) SetSession(id string, expireSeconds float64, payload any) error {
	if id == "" {
		return invalidArgument("missing id")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	left := e.expiry.arm(timerSession, id, secondsToDuration(expireSeconds))
	e.sessions[id] = &Session{Payload: cloneValue(payload), Expire: left.Milliseconds()}
	e.metrics.recordWrite("set_session")
	return nil
}

// GetSession returns a copy of the session, or nil when id is unknown.
func (e *Engine) GetSession(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[id]
	if s == nil {
		return nil, nil
	}
	return &Session{Payload: cloneValue(s.Payload), Expire: s.Expire}, nil
}

// DestroySession deletes the session when present.
func (e *Engine) DestroySession(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[id]; !ok {
		return nil
	}
	delete(e.sessions, id)
	e.expiry.disarm(timerSession, id)
	e.metrics.recordWrite("destroy_session")
	return nil
}

func (e *Engine) expireSession(id string) {
	delete(e.sessions, id)
	e.metrics.recordExpire(timerSession)
}

func (e *Engine) sessionRemaining(id string, left time.Duration) {
	if s := e.sessions[id]; s != nil {
		s.Expire = left.Milliseconds()
	}
}
