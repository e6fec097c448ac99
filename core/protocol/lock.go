package protocol

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Locker serialises access to channels by multisig address. Runs touching
// different channels never block each other.
type Locker struct {
	mu    sync.Mutex
	locks map[common.Address]*lockEntry
}

// NewLocker returns an empty locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[common.Address]*lockEntry)}
}

// Lock acquires every key in ascending address order and returns the
// function releasing them. Duplicate keys are locked once.
func (l *Locker) Lock(keys ...common.Address) (unlock func()) {
	ordered := make([]common.Address, 0, len(keys))
	seen := make(map[common.Address]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Slice(ordered, func(i, j int) bool { return bytes.Compare(ordered[i].Bytes(), ordered[j].Bytes()) < 0 })

	entries := make([]*lockEntry, len(ordered))
	l.mu.Lock()
	for i, key := range ordered {
		entry, ok := l.locks[key]
		if !ok {
			entry = &lockEntry{}
			l.locks[key] = entry
		}
		entry.refs++
		entries[i] = entry
	}
	l.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(entries) - 1; i >= 0; i-- {
				entries[i].mu.Unlock()
			}
			l.mu.Lock()
			for i, key := range ordered {
				entries[i].refs--
				if entries[i].refs == 0 {
					delete(l.locks, key)
				}
			}
			l.mu.Unlock()
		})
	}
}

// seqReservations tracks the app sequence numbers of proposals in flight:
// numbers this node reserved for its own proposals and numbers it agreed
// to on behalf of a counterparty's run. They are never persisted: a run
// that fails leaves the channel's counter untouched.
type seqReservations struct {
	mu   sync.Mutex
	held map[common.Address]map[uint32]seqHold
}

type seqHold struct {
	owner string
	// local is set for numbers reserved by a run this node initiated.
	local bool
}

func newSeqReservations() *seqReservations {
	return &seqReservations{held: make(map[common.Address]map[uint32]seqHold)}
}

func (r *seqReservations) channel(multisig common.Address) map[uint32]seqHold {
	seqs, ok := r.held[multisig]
	if !ok {
		seqs = make(map[uint32]seqHold)
		r.held[multisig] = seqs
	}
	return seqs
}

// reserve holds, for the local run owner, the lowest sequence number at
// or above next that no other in-flight run of the channel holds.
func (r *seqReservations) reserve(multisig common.Address, next uint32, owner string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seqs := r.channel(multisig)
	seq := next
	for {
		if _, taken := seqs[seq]; !taken {
			break
		}
		seq++
	}
	seqs[seq] = seqHold{owner: owner, local: true}
	return seq
}

// claim holds seq for the counterparty run owner. A number held by another
// run is only taken over when preempt is set and the holder is a local
// proposal; claiming a number the owner already holds succeeds.
func (r *seqReservations) claim(multisig common.Address, seq uint32, owner string, preempt bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seqs := r.channel(multisig)
	if h, ok := seqs[seq]; ok && h.owner != owner && !(preempt && h.local) {
		return false
	}
	seqs[seq] = seqHold{owner: owner}
	return true
}

// release drops seq if owner still holds it.
func (r *seqReservations) release(multisig common.Address, seq uint32, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.held[multisig][seq]; ok && h.owner == owner {
		delete(r.held[multisig], seq)
	}
	if len(r.held[multisig]) == 0 {
		delete(r.held, multisig)
	}
}
