// Package pending tracks outstanding approval requests, keyed by the
// timestamp of the bot's own proposal message. Purely in-memory: a
// restart drops every pending approval.
package pending

import "sync"

// Update is a proposed ground truth change awaiting a decision.
type Update struct {
	Text      string
	Project   string
	ChannelID string
	ThreadTS  string
	Category  string
	Author    string
	Permalink string
	EventID   int64
}

// Nudge is a misalignment or question flag awaiting acknowledgment.
// Resolution records the disposition only; the document never changes.
type Nudge struct {
	Text     string
	Project  string
	ThreadTS string
	Author   string
	EventID  int64
}

// Registry holds both pools behind one lock so a key resolves at most
// once no matter which decision channel gets there first.
type Registry struct {
	mu      sync.Mutex
	updates map[string]Update
	nudges  map[string]Nudge
}

func NewRegistry() *Registry {
	return &Registry{
		updates: make(map[string]Update),
		nudges:  make(map[string]Nudge),
	}
}

func (r *Registry) PutUpdate(key string, update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[key] = update
}

// PopUpdate atomically removes and returns the pending update for key.
// The losing decision channel observes ok=false and does nothing.
func (r *Registry) PopUpdate(key string) (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update, ok := r.updates[key]
	if ok {
		delete(r.updates, key)
	}
	return update, ok
}

// PopUpdateByThread resolves via the text channel, where the decision
// arrives with the proposal's thread rather than its message key. Same
// atomicity contract as PopUpdate.
func (r *Registry) PopUpdateByThread(threadTS string) (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, update := range r.updates {
		if update.ThreadTS == threadTS {
			delete(r.updates, key)
			return update, true
		}
	}
	return Update{}, false
}

func (r *Registry) HasUpdate(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.updates[key]
	return ok
}

func (r *Registry) PutNudge(key string, nudge Nudge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nudges[key] = nudge
}

func (r *Registry) PopNudge(key string) (Nudge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nudge, ok := r.nudges[key]
	if ok {
		delete(r.nudges, key)
	}
	return nudge, ok
}

func (r *Registry) PopNudgeByThread(threadTS string) (Nudge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, nudge := range r.nudges {
		if nudge.ThreadTS == threadTS {
			delete(r.nudges, key)
			return nudge, true
		}
	}
	return Nudge{}, false
}

func (r *Registry) HasNudge(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nudges[key]
	return ok
}
