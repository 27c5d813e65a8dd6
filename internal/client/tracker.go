package client

import (
	"log"
	"sync"
	"time"

	"github.com/adewale/keyboardia-sub010/internal/session"
)

// DefaultTimeout is how long a mutation may stay pending before the
// tracker declares it lost.
const DefaultTimeout = 30 * time.Second

// Status classifies where a tracked mutation is in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusSuperseded Status = "superseded"
	StatusLost       Status = "lost"
)

// TrackedMutation is the bookkeeping entry for one sent mutation.
type TrackedMutation struct {
	ClientSeq uint64
	TargetKey string
	SentAt    time.Time
	Status    Status
}

// Counters aggregates mutation outcomes for diagnostics overlays.
type Counters struct {
	Pending    int `json:"pending"`
	Confirmed  int `json:"confirmed"`
	Superseded int `json:"superseded"`
	Lost       int `json:"lost"`
}

// Tracker follows every locally-issued mutation until the server echo
// confirms it, a newer local edit to the same target supersedes it, or
// the timeout declares it lost. Lost is a diagnostic outcome, not a
// retry trigger: a lost mutation is recovered by the next snapshot,
// never by resending.
type Tracker struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[uint64]*entry

	confirmed  int
	superseded int
	lost       int
}

type entry struct {
	TrackedMutation

	// reflects reports whether a full state document shows the
	// mutation's effect. nil means the effect cannot be checked from a
	// snapshot; such entries resolve as confirmed.
	reflects func(*session.State) bool
}

func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{timeout: timeout, pending: make(map[uint64]*entry)}
}

// Track records a fresh pending mutation. A still-pending entry with
// the same target key is marked superseded: only the newest write to a
// target is expected to confirm, so a slider drag never raises a lost
// alarm for its intermediate values.
func (tr *Tracker) Track(seq uint64, targetKey string, reflects func(*session.State) bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for s, e := range tr.pending {
		if e.TargetKey == targetKey {
			delete(tr.pending, s)
			tr.superseded++
		}
	}
	tr.pending[seq] = &entry{
		TrackedMutation: TrackedMutation{
			ClientSeq: seq,
			TargetKey: targetKey,
			SentAt:    time.Now(),
			Status:    StatusPending,
		},
		reflects: reflects,
	}
}

// Confirm resolves the pending entry whose clientSeq the server echoed
// back. Echoes for superseded or already-resolved entries report false
// and change nothing.
func (tr *Tracker) Confirm(seq uint64) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.pending[seq]; !ok {
		return false
	}
	delete(tr.pending, seq)
	tr.confirmed++
	return true
}

// Sweep declares every pending mutation older than the timeout lost
// and returns them.
func (tr *Tracker) Sweep(now time.Time) []TrackedMutation {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var expired []TrackedMutation
	for seq, e := range tr.pending {
		if now.Sub(e.SentAt) < tr.timeout {
			continue
		}
		delete(tr.pending, seq)
		tr.lost++
		e.Status = StatusLost
		expired = append(expired, e.TrackedMutation)
		log.Printf("client: mutation %d (%s) unconfirmed after %s, declaring it lost", seq, e.TargetKey, tr.timeout)
	}
	return expired
}

// ReconcileSnapshot resolves every pending mutation against a full
// authoritative document. After a snapshot nothing stays pending: the
// snapshot replaces local state wholesale, so older sends can no
// longer be matched by echo. An entry whose effect the snapshot shows
// is confirmed; one it does not show was dropped somewhere on the way
// and counts lost.
func (tr *Tracker) ReconcileSnapshot(state *session.State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for seq, e := range tr.pending {
		delete(tr.pending, seq)
		if e.reflects == nil || e.reflects(state) {
			tr.confirmed++
			continue
		}
		tr.lost++
		log.Printf("client: mutation %d (%s) missing from snapshot, declaring it lost", seq, e.TargetKey)
	}
}

func (tr *Tracker) Counters() Counters {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return Counters{
		Pending:    len(tr.pending),
		Confirmed:  tr.confirmed,
		Superseded: tr.superseded,
		Lost:       tr.lost,
	}
}

// OldestPendingAge reports how long the oldest unresolved mutation has
// been waiting, zero when nothing is pending. A steadily growing age
// means sync is stalled.
func (tr *Tracker) OldestPendingAge(now time.Time) time.Duration {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var oldest time.Time
	for _, e := range tr.pending {
		if oldest.IsZero() || e.SentAt.Before(oldest) {
			oldest = e.SentAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}
