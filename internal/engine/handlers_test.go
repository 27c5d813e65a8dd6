package engine

import (
	"fmt"
	"testing"

	"github.com/adewale/keyboardia-sub010/internal/protocol"
	"github.com/adewale/keyboardia-sub010/internal/session"
)

func hdr(t protocol.Type) protocol.Header { return protocol.Header{Type: t} }

func mustApply(t *testing.T, s *session.State, msg protocol.Mutating) protocol.Message {
	t.Helper()
	res := Apply(s, msg, "plr_t", 1)
	if res.Broadcast == nil || !res.Persist {
		t.Fatalf("%s did not apply", msg.MessageType())
	}
	return res.Broadcast
}

func mustDrop(t *testing.T, s *session.State, msg protocol.Mutating) {
	t.Helper()
	res := Apply(s, msg, "plr_t", 1)
	if res.Broadcast != nil || res.Persist {
		t.Fatalf("%s should have been dropped", msg.MessageType())
	}
}

func TestParameterLockSetAndClear(t *testing.T) {
	s := testState()
	pitch := 99 // clamps to +24
	vol := 0.5
	mustApply(t, s, &protocol.SetParameterLock{
		Header: hdr(protocol.TypeSetParameterLock), TrackID: "trk_a", Step: 2,
		Pitch: &pitch, Volume: &vol, Tie: true,
	})
	lock := s.Tracks[0].ParameterLocks[2]
	if lock == nil {
		t.Fatal("lock not set")
	}
	if *lock.Pitch != session.MaxTranspose {
		t.Fatalf("pitch = %d, want clamped %d", *lock.Pitch, session.MaxTranspose)
	}
	if *lock.Volume != 0.5 || !lock.Tie {
		t.Fatalf("lock fields wrong: %+v", lock)
	}

	mustDrop(t, s, &protocol.SetParameterLock{
		Header: hdr(protocol.TypeSetParameterLock), TrackID: "trk_a", Step: 16,
	})

	mustApply(t, s, &protocol.ClearParameterLock{
		Header: hdr(protocol.TypeClearParameterLock), TrackID: "trk_a", Step: 2,
	})
	if s.Tracks[0].ParameterLocks[2] != nil {
		t.Fatal("lock not cleared")
	}
}

func TestTrackFieldSetters(t *testing.T) {
	s := testState()

	mustApply(t, s, &protocol.TrackMutedSet{Header: hdr(protocol.TypeTrackMutedSet), TrackID: "trk_a", Muted: true})
	mustApply(t, s, &protocol.TrackSoloedSet{Header: hdr(protocol.TypeTrackSoloedSet), TrackID: "trk_b", Soloed: true})
	mustApply(t, s, &protocol.TrackSampleSet{Header: hdr(protocol.TypeTrackSampleSet), TrackID: "trk_a", SampleID: "hat-909"})
	mustApply(t, s, &protocol.TrackNameSet{Header: hdr(protocol.TypeTrackNameSet), TrackID: "trk_a", Name: "Boom"})
	mustApply(t, s, &protocol.TransposeSet{Header: hdr(protocol.TypeTransposeSet), TrackID: "trk_a", Transpose: -99})
	mustApply(t, s, &protocol.PlaybackModeSet{Header: hdr(protocol.TypePlaybackModeSet), TrackID: "trk_a", Mode: session.PlaybackReverse})

	a := s.Tracks[0]
	if !a.Muted || a.SampleID != "hat-909" || a.Name != "Boom" {
		t.Fatalf("track a fields wrong: %+v", a)
	}
	if a.Transpose != session.MinTranspose {
		t.Fatalf("transpose = %d, want clamped %d", a.Transpose, session.MinTranspose)
	}
	if a.PlaybackMode != session.PlaybackReverse {
		t.Fatalf("mode = %q", a.PlaybackMode)
	}
	if !s.Tracks[1].Soloed {
		t.Fatal("solo not set")
	}

	mustDrop(t, s, &protocol.PlaybackModeSet{Header: hdr(protocol.TypePlaybackModeSet), TrackID: "trk_a", Mode: "sideways"})
	mustDrop(t, s, &protocol.TrackSampleSet{Header: hdr(protocol.TypeTrackSampleSet), TrackID: "trk_a", SampleID: ""})
	mustDrop(t, s, &protocol.TrackNameSet{Header: hdr(protocol.TypeTrackNameSet), TrackID: "trk_a", Name: ""})
}

func TestStepCountSetKeepsHiddenData(t *testing.T) {
	s := testState()
	mustApply(t, s, toggleStep("trk_a", 10, 0))

	mustApply(t, s, &protocol.StepCountSet{Header: hdr(protocol.TypeStepCountSet), TrackID: "trk_a", StepCount: 8})
	if s.Tracks[0].StepCount != 8 {
		t.Fatalf("step count = %d", s.Tracks[0].StepCount)
	}
	mustDrop(t, s, toggleStep("trk_a", 10, 0)) // outside the window now

	mustApply(t, s, &protocol.StepCountSet{Header: hdr(protocol.TypeStepCountSet), TrackID: "trk_a", StepCount: 32})
	if !s.Tracks[0].Steps[10] {
		t.Fatal("hidden step lost across shrink/grow")
	}
	if len(s.Tracks[0].Steps) != 32 || len(s.Tracks[0].ParameterLocks) != 32 {
		t.Fatalf("arrays not grown: %d/%d", len(s.Tracks[0].Steps), len(s.Tracks[0].ParameterLocks))
	}

	mustDrop(t, s, &protocol.StepCountSet{Header: hdr(protocol.TypeStepCountSet), TrackID: "trk_a", StepCount: 7})
}

func TestClearStepsWipesWholeArray(t *testing.T) {
	s := testState()
	mustApply(t, s, toggleStep("trk_a", 3, 0))
	mustApply(t, s, &protocol.StepCountSet{Header: hdr(protocol.TypeStepCountSet), TrackID: "trk_a", StepCount: 4})
	mustApply(t, s, &protocol.ClearSteps{Header: hdr(protocol.TypeClearSteps), TrackID: "trk_a"})
	mustApply(t, s, &protocol.StepCountSet{Header: hdr(protocol.TypeStepCountSet), TrackID: "trk_a", StepCount: 16})
	if s.Tracks[0].Steps[3] {
		t.Fatal("clear_steps left a hidden step behind")
	}
}

func TestAddTrackAssignsIdentityAndCapsOut(t *testing.T) {
	s := testState()
	res := Apply(s, &protocol.AddTrack{Header: hdr(protocol.TypeAddTrack), SampleID: "clap-909"}, "plr_t", 1)
	added, ok := res.Broadcast.(*protocol.TrackAdded)
	if !ok {
		t.Fatalf("broadcast is %T", res.Broadcast)
	}
	if added.Track.ID == "" {
		t.Fatal("no track id assigned")
	}
	if added.Track.Name != "Track 3" {
		t.Fatalf("default name = %q", added.Track.Name)
	}
	if added.Track.SampleID != "clap-909" {
		t.Fatalf("sample = %q", added.Track.SampleID)
	}
	if s.Track(added.Track.ID) == nil {
		t.Fatal("track not appended to state")
	}

	for len(s.Tracks) < session.MaxTracks {
		mustApply(t, s, &protocol.AddTrack{Header: hdr(protocol.TypeAddTrack)})
	}
	mustDrop(t, s, &protocol.AddTrack{Header: hdr(protocol.TypeAddTrack)})
	if len(s.Tracks) != session.MaxTracks {
		t.Fatalf("track count = %d, want cap %d", len(s.Tracks), session.MaxTracks)
	}
}

func TestRemoveTrack(t *testing.T) {
	s := testState()
	mustApply(t, s, &protocol.RemoveTrack{Header: hdr(protocol.TypeRemoveTrack), TrackID: "trk_a"})
	if len(s.Tracks) != 1 || s.Tracks[0].ID != "trk_b" {
		t.Fatalf("unexpected tracks after remove: %+v", s.Tracks)
	}
	mustDrop(t, s, &protocol.RemoveTrack{Header: hdr(protocol.TypeRemoveTrack), TrackID: "trk_a"})

	// Removing the last track leaves a valid, empty session.
	mustApply(t, s, &protocol.RemoveTrack{Header: hdr(protocol.TypeRemoveTrack), TrackID: "trk_b"})
	if len(s.Tracks) != 0 {
		t.Fatalf("tracks left: %d", len(s.Tracks))
	}
	if rep := session.CheckInvariants(s); !rep.Valid {
		t.Fatalf("empty session invalid: %v", rep.Violations)
	}
}

func TestReorderTrack(t *testing.T) {
	s := testState()
	mustApply(t, s, &protocol.AddTrack{Header: hdr(protocol.TypeAddTrack), Name: "Hat"})
	third := s.Tracks[2].ID

	mustApply(t, s, &protocol.ReorderTrack{Header: hdr(protocol.TypeReorderTrack), TrackID: third, ToIndex: 0})
	if s.Tracks[0].ID != third || s.Tracks[1].ID != "trk_a" || s.Tracks[2].ID != "trk_b" {
		t.Fatalf("order after move-to-front: %s %s %s", s.Tracks[0].ID, s.Tracks[1].ID, s.Tracks[2].ID)
	}

	// Out-of-range index clamps to the end.
	mustApply(t, s, &protocol.ReorderTrack{Header: hdr(protocol.TypeReorderTrack), TrackID: third, ToIndex: 99})
	if s.Tracks[2].ID != third {
		t.Fatalf("order after clamp: %s %s %s", s.Tracks[0].ID, s.Tracks[1].ID, s.Tracks[2].ID)
	}

	mustDrop(t, s, &protocol.ReorderTrack{Header: hdr(protocol.TypeReorderTrack), TrackID: third, ToIndex: 2})
	mustDrop(t, s, &protocol.ReorderTrack{Header: hdr(protocol.TypeReorderTrack), TrackID: "trk_gone", ToIndex: 0})
}

func TestGlobalSetters(t *testing.T) {
	s := testState()
	mustApply(t, s, &protocol.SwingChanged{Header: hdr(protocol.TypeSwingChanged), Swing: 260})
	if s.Swing != session.MaxSwing {
		t.Fatalf("swing = %v", s.Swing)
	}
	mustApply(t, s, &protocol.SetEffects{Header: hdr(protocol.TypeSetEffects), Effects: session.EffectsState{Reverb: 7, FilterCutoff: 0.3}})
	if s.Effects.Reverb != 1 || s.Effects.FilterCutoff != 0.3 {
		t.Fatalf("effects = %+v", s.Effects)
	}
}

// Applying a long arbitrary mutation sequence must never leave the
// document structurally invalid.
func TestMutationStormPreservesInvariants(t *testing.T) {
	s := testState()
	msgs := []protocol.Mutating{}
	for i := 0; i < 40; i++ {
		msgs = append(msgs,
			toggleStep("trk_a", i%16, 0),
			toggleStep("trk_gone", i%16, 0),
			tempoChanged(float64(i*25), 0),
			&protocol.StepCountSet{Header: hdr(protocol.TypeStepCountSet), TrackID: "trk_b", StepCount: session.ValidStepCounts[i%len(session.ValidStepCounts)]},
			&protocol.SwingChanged{Header: hdr(protocol.TypeSwingChanged), Swing: float64(i * 7)},
			&protocol.AddTrack{Header: hdr(protocol.TypeAddTrack), Name: fmt.Sprintf("extra %d", i)},
			&protocol.ReorderTrack{Header: hdr(protocol.TypeReorderTrack), TrackID: "trk_b", ToIndex: i % 9},
			&protocol.TransposeSet{Header: hdr(protocol.TypeTransposeSet), TrackID: "trk_a", Transpose: i - 20},
		)
	}
	for i, m := range msgs {
		Apply(s, m, "plr_t", uint64(i))
		if rep := session.CheckInvariants(s); !rep.Valid {
			t.Fatalf("after message %d (%s): %v", i, m.MessageType(), rep.Violations)
		}
	}
}
