package engine

import (
	"pkt.systems/statebus/internal/pattern"
)

// Kind names a notification channel.
type Kind string

const (
	KindState      Kind = "state"
	KindObjects    Kind = "objects"
	KindMessageBox Kind = "messagebox"
	KindLog        Kind = "log"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindState, KindObjects, KindMessageBox, KindLog:
		return true
	}
	return false
}

// Notification is one change event. Pattern is the subscription pattern that
// matched ID; Payload is nil for deletions.
type Notification struct {
	Kind    Kind   `json:"kind"`
	Pattern string `json:"pattern"`
	ID      string `json:"id"`
	Payload any    `json:"payload"`
}

// Conn is a live client connection. Deliver is called with the engine lock
// held and must not block.
type Conn interface {
	ID() string
	Deliver(Notification)
}

type subscription struct {
	pattern string
	matcher *pattern.Matcher
}

// subscriptionSet holds one owner's subscriptions in insertion order per kind.
type subscriptionSet map[Kind][]*subscription

// add compiles and appends pattern unless it is already present.
func (s subscriptionSet) add(kind Kind, glob string) bool {
	for _, sub := range s[kind] {
		if sub.pattern == glob {
			return false
		}
	}
	s[kind] = append(s[kind], &subscription{pattern: glob, matcher: pattern.Compile(glob)})
	return true
}

// remove drops the first exact match of pattern.
func (s subscriptionSet) remove(kind Kind, glob string) bool {
	list := s[kind]
	for i, sub := range list {
		if sub.pattern != glob {
			continue
		}
		s[kind] = append(list[:i:i], list[i+1:]...)
		if len(s[kind]) == 0 {
			delete(s, kind)
		}
		return true
	}
	return false
}

// match returns the first subscription of kind matching id.
func (s subscriptionSet) match(kind Kind, id string) *subscription {
	for _, sub := range s[kind] {
		if sub.matcher.Match(id) {
			return sub
		}
	}
	return nil
}

func (s subscriptionSet) count() int {
	n := 0
	for _, list := range s {
		n += len(list)
	}
	return n
}

type connEntry struct {
	conn Conn
	subs subscriptionSet
}

// registry tracks connections and their subscriptions. The engine lock
// guards it.
type registry struct {
	conns map[string]*connEntry
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*connEntry)}
}

func (r *registry) attach(c Conn) *connEntry {
	if entry, ok := r.conns[c.ID()]; ok {
		return entry
	}
	entry := &connEntry{conn: c, subs: make(subscriptionSet)}
	r.conns[c.ID()] = entry
	return entry
}

func (r *registry) detach(id string) bool {
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

func (r *registry) subscribe(c Conn, kind Kind, glob string) bool {
	return r.attach(c).subs.add(kind, glob)
}

func (r *registry) unsubscribe(c Conn, kind Kind, glob string) bool {
	entry, ok := r.conns[c.ID()]
	if !ok {
		return false
	}
	return entry.subs.remove(kind, glob)
}

// publish delivers at most one notification to entry: the first matching
// subscription wins.
func (r *registry) publish(entry *connEntry, kind Kind, id string, payload any) bool {
	sub := entry.subs.match(kind, id)
	if sub == nil {
		return false
	}
	entry.conn.Deliver(Notification{Kind: kind, Pattern: sub.pattern, ID: id, Payload: payload})
	return true
}

// publishAll publishes to every attached connection and returns the number
// of notifications delivered.
func (r *registry) publishAll(kind Kind, id string, payload any) int {
	delivered := 0
	for _, entry := range r.conns {
		if r.publish(entry, kind, id, payload) {
			delivered++
		}
	}
	return delivered
}

func (r *registry) subscriptions() int {
	n := 0
	for _, entry := range r.conns {
		n += entry.subs.count()
	}
	return n
}
