package server

import (
	"sync"
	"time"
)

// inviteTTL bounds how long a call invitation can still be answered.
const inviteTTL = 2 * time.Minute

type inviteKey struct {
	callID uint
	callee uint
}

type invite struct {
	caller   uint
	callType string
	at       time.Time
}

// inviteBook records the invitations rung by initiateCall. Only the invited
// user can answer one, only towards the user who rang, and only once.
type inviteBook struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[inviteKey]invite
	now     func() time.Time
}

func newInviteBook(ttl time.Duration) *inviteBook {
	return &inviteBook{
		ttl:     ttl,
		pending: make(map[inviteKey]invite),
		now:     time.Now,
	}
}

// Add records that caller rang callee for callID, replacing an older
// invitation between the same call and callee.
func (b *inviteBook) Add(callID, caller, callee uint, callType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for key, inv := range b.pending {
		if now.Sub(inv.at) > b.ttl {
			delete(b.pending, key)
		}
	}
	b.pending[inviteKey{callID: callID, callee: callee}] = invite{caller: caller, callType: callType, at: now}
}

// Answer consumes the invitation callee holds for callID when it was rung by
// caller. It reports the call type of the invitation.
func (b *inviteBook) Answer(callID, callee, caller uint) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := inviteKey{callID: callID, callee: callee}
	inv, ok := b.pending[key]
	if !ok {
		return "", false
	}
	if b.now().Sub(inv.at) > b.ttl {
		delete(b.pending, key)
		return "", false
	}
	if inv.caller != caller {
		return "", false
	}
	delete(b.pending, key)
	return inv.callType, true
}

// Forget drops every invitation to callID.
func (b *inviteBook) Forget(callID uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.pending {
		if key.callID == callID {
			delete(b.pending, key)
		}
	}
}

func (b *inviteBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
