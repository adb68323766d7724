package server

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/fenggwsx/SlashLive/internal/metrics"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrUnknownConnection   = errors.New("connection not registered")
)

// Subscriber is anything the registry can deliver encoded frames to.
// Deliver must not block; it reports false when the frame was dropped.
type Subscriber interface {
	ID() string
	UserID() uint
	Deliver(frame []byte) bool
}

type registryEntry struct {
	sub   Subscriber
	rooms map[Room]struct{}
}

// Registry is the authoritative in-memory view of who is connected and which
// rooms each connection has joined. A user is online exactly when at least
// one of their connections is registered. Every connection is subscribed to
// its owner's user channel for as long as it is registered.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*registryEntry
	users map[uint]map[string]struct{}
	rooms map[Room]map[string]Subscriber
	// seq numbers transitions across all users.
	seq uint64
	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*registryEntry),
		users: make(map[uint]map[string]struct{}),
		rooms: make(map[Room]map[string]Subscriber),
		now:   time.Now,
	}
}

// Register adds a connection. When it is the user's first connection the
// returned transition marks the user online and first is true.
func (r *Registry) Register(sub Subscriber) (tr Transition, first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := sub.ID()
	if _, ok := r.conns[id]; ok {
		return Transition{}, false, ErrDuplicateConnection
	}
	entry := &registryEntry{sub: sub, rooms: make(map[Room]struct{})}
	r.conns[id] = entry

	userID := sub.UserID()
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.users[userID] = conns
	}
	first = len(conns) == 0
	conns[id] = struct{}{}
	r.joinLocked(entry, UserChannel(userID))
	r.observeLocked()

	if !first {
		return Transition{}, false, nil
	}
	return r.stampLocked(userID, TransitionConnected, storage.StatusOnline, nil), true, nil
}

// Deregister removes a connection from every room it joined. When it was
// the user's last connection the returned transition marks the user offline
// and last is true. Unknown ids are ignored.
func (r *Registry) Deregister(connID string) (tr Transition, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return Transition{}, false
	}
	delete(r.conns, connID)
	for room := range entry.rooms {
		r.unsubscribeLocked(room, connID)
	}

	userID := entry.sub.UserID()
	conns := r.users[userID]
	delete(conns, connID)
	if len(conns) > 0 {
		r.observeLocked()
		return Transition{}, false
	}
	delete(r.users, userID)
	r.observeLocked()
	return r.stampLocked(userID, TransitionDisconnected, storage.StatusOffline, nil), true
}

// Stamp builds a transition for an explicit presence change, numbered after
// every transition already issued for the user.
func (r *Registry) Stamp(userID uint, kind TransitionKind, status storage.PresenceStatus, activity *string) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stampLocked(userID, kind, status, activity)
}

func (r *Registry) stampLocked(userID uint, kind TransitionKind, status storage.PresenceStatus, activity *string) Transition {
	r.seq++
	return Transition{
		UserID:   userID,
		Kind:     kind,
		Seq:      r.seq,
		At:       r.now().UTC(),
		Status:   status,
		Activity: activity,
	}
}

// Join subscribes a registered connection to room. It reports whether the
// connection was newly added.
func (r *Registry) Join(connID string, room Room) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return false, ErrUnknownConnection
	}
	return r.joinLocked(entry, room), nil
}

func (r *Registry) joinLocked(entry *registryEntry, room Room) bool {
	if _, ok := entry.rooms[room]; ok {
		return false
	}
	entry.rooms[room] = struct{}{}
	subs, ok := r.rooms[room]
	if !ok {
		subs = make(map[string]Subscriber)
		r.rooms[room] = subs
	}
	subs[entry.sub.ID()] = entry.sub
	return true
}

// Leave unsubscribes a connection from room. It reports whether the
// connection had joined it.
func (r *Registry) Leave(connID string, room Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, ok := entry.rooms[room]; !ok {
		return false
	}
	delete(entry.rooms, room)
	r.unsubscribeLocked(room, connID)
	return true
}

// RemoveUserFromRoom unsubscribes every connection of userID from room and
// returns the affected connection ids.
func (r *Registry) RemoveUserFromRoom(userID uint, room Room) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for connID := range r.users[userID] {
		entry := r.conns[connID]
		if _, ok := entry.rooms[room]; !ok {
			continue
		}
		delete(entry.rooms, room)
		r.unsubscribeLocked(room, connID)
		removed = append(removed, connID)
	}
	slices.Sort(removed)
	return removed
}

// CloseRoom unsubscribes everyone from room and returns the affected
// connection ids.
func (r *Registry) CloseRoom(room Room) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.rooms[room]
	removed := lo.Keys(subs)
	for _, connID := range removed {
		delete(r.conns[connID].rooms, room)
	}
	delete(r.rooms, room)
	slices.Sort(removed)
	return removed
}

func (r *Registry) unsubscribeLocked(room Room, connID string) {
	subs, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) InRoom(connID string, room Room) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, ok = entry.rooms[room]
	return ok
}

// UserInRoom reports whether any connection of userID has joined room.
func (r *Registry) UserInRoom(userID uint, room Room) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID := range r.users[userID] {
		if _, ok := r.conns[connID].rooms[room]; ok {
			return true
		}
	}
	return false
}

// JoinedRooms lists the rooms a connection has joined, including its user
// channel, ordered by kind then id.
func (r *Registry) JoinedRooms(connID string) []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok {
		return nil
	}
	rooms := lo.Keys(entry.rooms)
	slices.SortFunc(rooms, compareRooms)
	return rooms
}

func (r *Registry) IsOnline(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

func (r *Registry) ConnectionsOf(userID uint) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.Keys(r.users[userID])
	slices.Sort(ids)
	return ids
}

// Subscribers snapshots the connections that joined room, ordered by id.
func (r *Registry) Subscribers(room Room) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSubscribers(lo.Values(r.rooms[room]))
}

func (r *Registry) UserSubscribers(userID uint) []Subscriber {
	return r.Subscribers(UserChannel(userID))
}

// All snapshots every registered connection.
func (r *Registry) All() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := lo.MapToSlice(r.conns, func(_ string, e *registryEntry) Subscriber { return e.sub })
	return sortedSubscribers(subs)
}

// RoomUsers lists the distinct users with a connection in room.
func (r *Registry) RoomUsers(room Room) []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := lo.Uniq(lo.MapToSlice(r.rooms[room], func(_ string, s Subscriber) uint { return s.UserID() }))
	slices.Sort(users)
	return users
}

// OnlineUsers lists users with at least one connection.
func (r *Registry) OnlineUsers() []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := lo.Keys(r.users)
	slices.Sort(users)
	return users
}

// Counts returns the number of online users and open connections.
func (r *Registry) Counts() (users, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users), len(r.conns)
}

func (r *Registry) observeLocked() {
	metrics.OnlineUsers.Set(float64(len(r.users)))
	metrics.Connections.Set(float64(len(r.conns)))
}

func sortedSubscribers(subs []Subscriber) []Subscriber {
	slices.SortFunc(subs, func(a, b Subscriber) int { return strings.Compare(a.ID(), b.ID()) })
	return subs
}

func compareRooms(a, b Room) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
