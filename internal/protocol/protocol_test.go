package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/adewale/keyboardia-sub010/internal/session"
)

func stateWithOneTrack() session.State {
	s := session.DefaultState()
	s.Tracks = append(s.Tracks, session.NewTrack("trk_1", "Kick", "kick-808"))
	return s
}

func TestDecodeToggleStep(t *testing.T) {
	frame := []byte(`{"type":"toggle_step","trackId":"trk_1","step":3,"seq":7}`)
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ts, ok := msg.(*ToggleStep)
	if !ok {
		t.Fatalf("decoded %T, want *ToggleStep", msg)
	}
	if ts.MessageType() != TypeToggleStep {
		t.Fatalf("tag = %q", ts.MessageType())
	}
	if ts.TrackID != "trk_1" || ts.Step != 3 || ts.MutationSeq() != 7 {
		t.Fatalf("fields = %+v", ts)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"format_disk"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"trackId":"trk_1"}`))
	if !errors.Is(err, ErrMissingType) {
		t.Fatalf("err = %v, want ErrMissingType", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Fatal("expected an error for truncated frame")
	}
}

func TestEncodeStampedBroadcastIsFlat(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"tempo_changed","tempo":140,"seq":2}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	mut := msg.(Mutating)
	mut.Stamp("plr_abc", mut.MutationSeq(), 9)

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "tempo", "seq", "playerId", "clientSeq", "serverSeq"} {
		if _, ok := flat[key]; !ok {
			t.Errorf("missing top-level %q in %s", key, data)
		}
	}
	if flat["playerId"] != "plr_abc" || flat["clientSeq"] != float64(2) || flat["serverSeq"] != float64(9) {
		t.Fatalf("origin stamp wrong: %s", data)
	}
}

func TestEncodeRequiresTag(t *testing.T) {
	if _, err := Encode(&ToggleStep{TrackID: "trk_1"}); !errors.Is(err, ErrMissingType) {
		t.Fatalf("err = %v, want ErrMissingType", err)
	}
	out, err := Encode(NewError(CodeBadMessage, "nope"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(out), `"type":"error"`) {
		t.Fatalf("constructor did not set tag: %s", out)
	}
}

// Every mutating tag must decode to a struct that carries seq and can
// be stamped for rebroadcast; no read-only or broadcast tag may.
func TestMutatingTypesImplementMutating(t *testing.T) {
	for tag, factory := range registry {
		_, mutating := factory().(Mutating)
		if IsMutating(tag) && !mutating {
			t.Errorf("%s is classified mutating but cannot be stamped", tag)
		}
		if IsReadonly(tag) && mutating {
			t.Errorf("%s is classified read-only but implements Mutating", tag)
		}
		if tag == TypeSnapshot || tag == TypeError || tag == TypePlayerJoined || tag == TypePlayerLeft {
			if mutating {
				t.Errorf("broadcast-only %s implements Mutating", tag)
			}
		}
	}
}

func TestClassificationsAreDisjoint(t *testing.T) {
	for tag := range mutatingTypes {
		if readonlyTypes[tag] {
			t.Errorf("%s is in both classification sets", tag)
		}
		if _, ok := registry[tag]; !ok {
			t.Errorf("mutating %s missing from registry", tag)
		}
	}
	for tag := range readonlyTypes {
		if _, ok := registry[tag]; !ok {
			t.Errorf("read-only %s missing from registry", tag)
		}
	}
}

func TestDecodeSnapshotRoundTrip(t *testing.T) {
	snap := NewSnapshot("plr_1", "late night jam", false, stateWithOneTrack(), nil, 4)
	data, err := Encode(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := msg.(*Snapshot)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if got.PlayerID != "plr_1" || got.ServerSeq != 4 || len(got.State.Tracks) != 1 {
		t.Fatalf("snapshot fields lost: %+v", got)
	}
	if got.State.Tracks[0].StepCount != 16 {
		t.Fatalf("track fields lost: %+v", got.State.Tracks[0])
	}
}
