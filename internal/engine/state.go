package engine

import (
	"sort"
	"time"

	"pkt.systems/statebus/internal/pattern"
)

// GetState returns a copy of the record, or nil when id is unknown.
func (e *Engine) GetState(id string) (*State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[id].clone(), nil
}

// GetStates returns the records of ids in order, with nil holes for unknown
// ids. A nil list is rejected; an empty list yields an empty result.
func (e *Engine) GetStates(ids []string) ([]*State, error) {
	if ids == nil {
		return nil, invalidArgument("no keys")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*State, len(ids))
	for i, id := range ids {
		out[i] = e.states[id].clone()
	}
	return out, nil
}

// SetState writes a state. Missing fields follow these rules: val keeps the
// previous value, ack becomes false, ts becomes now. lc is kept when the value
// did not change. lc never exceeds ts. A positive Expire arms the TTL; a write without one disarms
// any pending TTL of id.
func (e *Engine) SetState(id string, u StateUpdate) (*State, error) {
	if id == "" {
		return nil, invalidArgument("missing id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.states[id]
	next := &State{From: u.From}
	switch {
	case u.HasVal:
		next.Val = cloneValue(u.Val)
	case prev != nil:
		next.Val = cloneValue(prev.Val)
	}
	if u.Ack != nil {
		next.Ack = *u.Ack
	}
	if u.TS != nil {
		next.TS = *u.TS
	} else {
		next.TS = unixSeconds(e.now())
	}
	switch {
	case u.LC != nil:
		next.LC = min(*u.LC, next.TS)
	case prev == nil || prev.LC == 0 || !valuesEqual(prev.Val, next.Val):
		next.LC = next.TS
	default:
		next.LC = min(prev.LC, next.TS)
	}

	if u.Expire > 0 {
		left := e.expiry.arm(timerState, id, secondsToDuration(u.Expire))
		ms := left.Milliseconds()
		next.Expire = &ms
	} else {
		e.expiry.disarm(timerState, id)
	}

	e.publishAllLocked(KindState, id, next.clone())
	e.states[id] = next
	e.metrics.recordWrite("set_state")
	e.armStateSaveLocked()
	return next.clone(), nil
}

// SetRawState stores record verbatim: no defaults, no fan-out, no TTL.
func (e *Engine) SetRawState(id string, record State) error {
	if id == "" {
		return invalidArgument("missing id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expiry.disarm(timerState, id)
	e.states[id] = record.clone()
	e.metrics.recordWrite("set_raw_state")
	e.armStateSaveLocked()
	return nil
}

// DelState removes id. Subscribers are told only when id existed.
func (e *Engine) DelState(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[id]; !ok {
		return nil
	}
	delete(e.states, id)
	e.expiry.disarm(timerState, id)
	e.publishAllLocked(KindState, id, nil)
	e.metrics.recordWrite("del_state")
	e.armStateSaveLocked()
	return nil
}

// GetKeys returns the ids matching glob, sorted.
func (e *Engine) GetKeys(glob string) ([]string, error) {
	m := pattern.Compile(glob)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0)
	for id := range e.states {
		if m.Match(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SetBinaryState replaces the record of id with an opaque payload.
func (e *Engine) SetBinaryState(id string, data []byte) error {
	if id == "" {
		return invalidArgument("missing id")
	}
	if data == nil {
		data = []byte{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expiry.disarm(timerState, id)
	e.states[id] = &State{Binary: append([]byte(nil), data...)}
	e.metrics.recordWrite("set_binary_state")
	e.armStateSaveLocked()
	return nil
}

// GetBinaryState returns the payload stored by SetBinaryState.
func (e *Engine) GetBinaryState(id string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[id]
	if st == nil || st.Binary == nil {
		return nil, notFound(id)
	}
	return append([]byte(nil), st.Binary...), nil
}

// DelBinaryState removes id silently.
func (e *Engine) DelBinaryState(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[id]; !ok {
		return nil
	}
	delete(e.states, id)
	e.expiry.disarm(timerState, id)
	e.metrics.recordWrite("del_binary_state")
	e.armStateSaveLocked()
	return nil
}

// Subscribe delivers state changes whose id matches glob to c.
func (e *Engine) Subscribe(c Conn, glob string) { e.subscribe(c, KindState, glob) }

// Unsubscribe removes a state subscription of c.
func (e *Engine) Unsubscribe(c Conn, glob string) { e.unsubscribe(c, KindState, glob) }

// expireStateLocked nulls the value of id as if val=null had been written.
func (e *Engine) expireStateLocked(id string, notify bool) {
	st := e.states[id]
	if st == nil {
		return
	}
	next := st.clone()
	next.TS = unixSeconds(e.now())
	if !valuesEqual(st.Val, nil) {
		next.LC = next.TS
	}
	next.Val = nil
	next.Expire = nil
	if notify {
		e.publishAllLocked(KindState, id, next.clone())
	}
	e.states[id] = next
	e.metrics.recordExpire(timerState)
	e.armStateSaveLocked()
}

func (e *Engine) expireStatePolicy(id string) {
	e.expireStateLocked(id, true)
}

func (e *Engine) stateRemaining(id string, left time.Duration) {
	if st := e.states[id]; st != nil {
		ms := left.Milliseconds()
		st.Expire = &ms
	}
}

// expireAllLocked forces every armed state and every record that still
// carries an expire field to the expired condition.
func (e *Engine) expireAllLocked(notify bool) {
	for _, id := range e.expiry.drain(timerState) {
		e.expireStateLocked(id, notify)
	}
	var leftovers []string
	for id, st := range e.states {
		if st.Expire != nil {
			leftovers = append(leftovers, id)
		}
	}
	sort.Strings(leftovers)
	for _, id := range leftovers {
		e.expireStateLocked(id, false)
	}
}
