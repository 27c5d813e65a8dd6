// Package engine turns decoded mutation messages into state changes.
// Nearly every mutation differs only in which field of which entity it
// touches and what clamping applies, so two generic factories carry
// the shared lookup/validate/mutate/broadcast sequence and each
// concrete mutation supplies only its small pure functions.
package engine

import (
	"github.com/adewale/keyboardia-sub010/internal/protocol"
	"github.com/adewale/keyboardia-sub010/internal/session"
)

// Result is the outcome of applying one mutation. A nil Broadcast
// means the mutation was dropped: unknown target, hydration race, or
// a value the track cannot accept. Dropped mutations trigger no
// persistence and no error; the sender self-corrects on next resync.
type Result struct {
	Broadcast protocol.Message
	Persist   bool
}

// HandlerFunc applies one mutation against the authoritative state.
// The returned broadcast, when non-nil, is already stamped with the
// originating player, the client seq, and serverSeq. Broadcasts may
// alias state-owned slices, so callers must encode them before
// processing the next mutation.
type HandlerFunc func(state *session.State, msg protocol.Mutating, playerID string, serverSeq uint64) Result

// TrackScoped builds a handler for a mutation that targets one track.
// When no track matches, or mutate reports the message does not apply,
// the handler is a no-op. broadcast may be nil to echo the mutation
// itself.
func TrackScoped[M protocol.Mutating](
	trackID func(M) string,
	validate func(M),
	mutate func(*session.Track, M) bool,
	broadcast func(M, *session.Track) protocol.Stampable,
) HandlerFunc {
	return func(state *session.State, raw protocol.Mutating, playerID string, serverSeq uint64) Result {
		msg, ok := raw.(M)
		if !ok || state == nil {
			return Result{}
		}
		track := state.Track(trackID(msg))
		if track == nil {
			return Result{}
		}
		if validate != nil {
			validate(msg)
		}
		if !mutate(track, msg) {
			return Result{}
		}
		state.Version++
		var out protocol.Stampable = msg
		if broadcast != nil {
			out = broadcast(msg, track)
		}
		out.Stamp(playerID, msg.MutationSeq(), serverSeq)
		return Result{Broadcast: out, Persist: true}
	}
}

// GlobalScoped builds a handler for a mutation that targets
// session-wide fields. mutate reports whether anything was applied;
// returning false makes the handler a no-op.
func GlobalScoped[M protocol.Mutating](
	validate func(M),
	mutate func(*session.State, M) bool,
	broadcast func(M, *session.State) protocol.Stampable,
) HandlerFunc {
	return func(state *session.State, raw protocol.Mutating, playerID string, serverSeq uint64) Result {
		msg, ok := raw.(M)
		if !ok || state == nil {
			return Result{}
		}
		if validate != nil {
			validate(msg)
		}
		if !mutate(state, msg) {
			return Result{}
		}
		state.Version++
		var out protocol.Stampable = msg
		if broadcast != nil {
			out = broadcast(msg, state)
		}
		out.Stamp(playerID, msg.MutationSeq(), serverSeq)
		return Result{Broadcast: out, Persist: true}
	}
}

// Apply routes a mutation to its registered handler.
func Apply(state *session.State, msg protocol.Mutating, playerID string, serverSeq uint64) Result {
	h, ok := handlers[msg.MessageType()]
	if !ok {
		return Result{}
	}
	return h(state, msg, playerID, serverSeq)
}

// Handles reports whether a handler is registered for the type.
func Handles(t protocol.Type) bool {
	_, ok := handlers[t]
	return ok
}
