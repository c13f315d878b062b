// Package directory keeps the read-only list of live lobbies that the hub
// and the HTTP API serve. Lobby rooms are the only writers; readers always
// receive copies.
package directory

import (
	"sort"
	"sync"

	"github.com/MutableTeam/mutable-lobby/internal/protocol"
)

// Filter selects listings. A zero Filter returns lobbies that are not in
// progress.
type Filter struct {
	Statuses          []protocol.LobbyStatus
	IncludeInProgress bool
	GameType          string
}

func (f Filter) match(l protocol.LobbyListing) bool {
	if f.GameType != "" && f.GameType != l.GameType {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if s == l.Status {
				return true
			}
		}
		return false
	}
	return f.IncludeInProgress || l.Status != protocol.StatusInProgress
}

// Directory is safe for concurrent use.
type Directory struct {
	mu       sync.RWMutex
	listings map[string]protocol.LobbyListing

	subMu  sync.Mutex
	nextID int
	subs   map[int]func()
}

func New() *Directory {
	return &Directory{
		listings: make(map[string]protocol.LobbyListing),
		subs:     make(map[int]func()),
	}
}

// Publish stores a copy of l and signals subscribers.
func (d *Directory) Publish(l protocol.LobbyListing) {
	d.mu.Lock()
	d.listings[l.ID] = clone(l)
	d.mu.Unlock()
	d.notify()
}

// Remove drops a listing. Removing an unknown id is a no-op.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	_, ok := d.listings[id]
	delete(d.listings, id)
	d.mu.Unlock()
	if ok {
		d.notify()
	}
}

func (d *Directory) Get(id string) (protocol.LobbyListing, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.listings[id]
	if !ok {
		return protocol.LobbyListing{}, false
	}
	return clone(l), true
}

// List returns matching listings, oldest first.
func (d *Directory) List(f Filter) []protocol.LobbyListing {
	d.mu.RLock()
	out := make([]protocol.LobbyListing, 0, len(d.listings))
	for _, l := range d.listings {
		if f.match(l) {
			out = append(out, clone(l))
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listings)
}

// Subscribe registers fn to run after every change. fn runs on the writer's
// goroutine and must not block; the returned func unsubscribes.
func (d *Directory) Subscribe(fn func()) (cancel func()) {
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subMu.Unlock()
	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Directory) notify() {
	d.subMu.Lock()
	fns := make([]func(), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func clone(l protocol.LobbyListing) protocol.LobbyListing {
	members := make([]protocol.LobbyMember, len(l.Members))
	copy(members, l.Members)
	l.Members = members
	return l
}
