package push

import (
	"sort"
	"sync"
)

// Registry holds the notifications currently on screen.
type Registry struct {
	mu    sync.Mutex
	items map[string]Notification
}

func NewRegistry() *Registry {
	return &Registry{items: map[string]Notification{}}
}

// Add records n as shown. A shown notification with the same tag is
// replaced, and returned.
func (r *Registry) Add(n Notification) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var replaced Notification
	found := false
	if n.Options.Tag != "" {
		for id, cur := range r.items {
			if cur.Options.Tag == n.Options.Tag {
				replaced, found = cur, true
				delete(r.items, id)
				break
			}
		}
	}
	r.items[n.ID] = n
	return replaced, found
}

func (r *Registry) Get(id string) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	return n, ok
}

// Remove closes the notification and returns it.
func (r *Registry) Remove(id string) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return n, ok
}

// List returns shown notifications, oldest first.
func (r *Registry) List() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, 0, len(r.items))
	for _, n := range r.items {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}
