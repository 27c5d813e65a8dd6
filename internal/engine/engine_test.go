package engine

import (
	"testing"

	"github.com/adewale/keyboardia-sub010/internal/protocol"
	"github.com/adewale/keyboardia-sub010/internal/session"
)

func testState() *session.State {
	s := session.DefaultState()
	s.Tracks = append(s.Tracks, session.NewTrack("trk_a", "Kick", "kick-808"))
	s.Tracks = append(s.Tracks, session.NewTrack("trk_b", "Snare", "snare-808"))
	return &s
}

func toggleStep(trackID string, step int, seq uint64) *protocol.ToggleStep {
	return &protocol.ToggleStep{
		Header:   protocol.Header{Type: protocol.TypeToggleStep},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		Step:     step,
	}
}

func tempoChanged(tempo float64, seq uint64) *protocol.TempoChanged {
	return &protocol.TempoChanged{
		Header:   protocol.Header{Type: protocol.TypeTempoChanged},
		Mutation: protocol.Mutation{Seq: seq},
		Tempo:    tempo,
	}
}

func TestApplyStampsBroadcast(t *testing.T) {
	s := testState()
	res := Apply(s, toggleStep("trk_a", 0, 7), "plr_1", 42)
	if res.Broadcast == nil || !res.Persist {
		t.Fatalf("expected applied result, got %+v", res)
	}
	echo, ok := res.Broadcast.(*protocol.StepToggled)
	if !ok {
		t.Fatalf("broadcast is %T, want *StepToggled", res.Broadcast)
	}
	if echo.PlayerID != "plr_1" || echo.ClientSeq != 7 || echo.ServerSeq != 42 {
		t.Fatalf("origin stamp wrong: %+v", echo.Origin)
	}
	if !echo.Value || echo.Step != 0 || echo.TrackID != "trk_a" {
		t.Fatalf("echo fields wrong: %+v", echo)
	}
	if !s.Tracks[0].Steps[0] {
		t.Fatal("state not mutated")
	}
	if s.Version != 1 {
		t.Fatalf("version = %d, want 1", s.Version)
	}
}

func TestApplyNilStateIsNoop(t *testing.T) {
	res := Apply(nil, toggleStep("trk_a", 0, 1), "plr_1", 1)
	if res.Broadcast != nil || res.Persist {
		t.Fatalf("expected no-op before hydration, got %+v", res)
	}
}

func TestApplyUnknownTrackIsNoop(t *testing.T) {
	s := testState()
	res := Apply(s, toggleStep("trk_gone", 0, 1), "plr_1", 1)
	if res.Broadcast != nil || res.Persist {
		t.Fatalf("expected no-op, got %+v", res)
	}
	if s.Version != 0 {
		t.Fatal("no-op must not bump version")
	}
}

func TestApplyStepOutsideWindowIsNoop(t *testing.T) {
	s := testState()
	for _, step := range []int{-1, session.DefaultStepCount, 500} {
		res := Apply(s, toggleStep("trk_a", step, 1), "plr_1", 1)
		if res.Broadcast != nil || res.Persist {
			t.Fatalf("step %d: expected no-op, got %+v", step, res)
		}
	}
}

func TestApplyClampsBeforeMutating(t *testing.T) {
	s := testState()
	res := Apply(s, tempoChanged(9999, 3), "plr_1", 1)
	echo, ok := res.Broadcast.(*protocol.TempoChanged)
	if !ok {
		t.Fatalf("broadcast is %T", res.Broadcast)
	}
	if echo.Tempo != session.MaxTempo {
		t.Fatalf("broadcast tempo = %v, want clamped %v", echo.Tempo, session.MaxTempo)
	}
	if s.Tempo != session.MaxTempo {
		t.Fatalf("state tempo = %v, want clamped %v", s.Tempo, session.MaxTempo)
	}
}

func TestApplyEchoesMutationByDefault(t *testing.T) {
	s := testState()
	msg := &protocol.TrackVolumeSet{
		Header:   protocol.Header{Type: protocol.TypeTrackVolumeSet},
		Mutation: protocol.Mutation{Seq: 5},
		TrackID:  "trk_b",
		Volume:   0.25,
	}
	res := Apply(s, msg, "plr_9", 11)
	if res.Broadcast != protocol.Message(msg) {
		t.Fatalf("default echo should be the mutation itself, got %T", res.Broadcast)
	}
	if msg.PlayerID != "plr_9" || msg.ClientSeq != 5 || msg.ServerSeq != 11 {
		t.Fatalf("echo not stamped: %+v", msg.Origin)
	}
}

// Every mutating wire type must be routable, with the one deliberate
// exception of session_renamed: the name lives on the record envelope
// and the coordinator applies it before engine dispatch.
func TestEveryMutatingTypeHasAHandler(t *testing.T) {
	for _, typ := range []protocol.Type{
		protocol.TypeToggleStep,
		protocol.TypeSetParameterLock,
		protocol.TypeClearParameterLock,
		protocol.TypeTrackVolumeSet,
		protocol.TypeTrackMutedSet,
		protocol.TypeTrackSoloedSet,
		protocol.TypeTrackSampleSet,
		protocol.TypeTrackNameSet,
		protocol.TypePlaybackModeSet,
		protocol.TypeTransposeSet,
		protocol.TypeStepCountSet,
		protocol.TypeClearSteps,
		protocol.TypeAddTrack,
		protocol.TypeRemoveTrack,
		protocol.TypeReorderTrack,
		protocol.TypeTempoChanged,
		protocol.TypeSwingChanged,
		protocol.TypeSetEffects,
	} {
		if !protocol.IsMutating(typ) {
			t.Errorf("%s should be classified mutating", typ)
		}
		if !Handles(typ) {
			t.Errorf("no handler registered for %s", typ)
		}
	}
	if Handles(protocol.TypeSessionRenamed) {
		t.Error("session_renamed must be handled by the coordinator, not the engine")
	}
	if Handles(protocol.TypeJoin) || Handles(protocol.TypeSnapshot) {
		t.Error("non-mutating types must not be routable")
	}
}
