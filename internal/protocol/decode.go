package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adewale/keyboardia-sub010/internal/session"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMissingType = errors.New("missing message type")
)

// registry maps each tag to a factory for its struct. Decode fills the
// Header from the raw JSON, so zero values are enough here.
var registry = map[Type]func() Message{
	TypeToggleStep:         func() Message { return new(ToggleStep) },
	TypeSetParameterLock:   func() Message { return new(SetParameterLock) },
	TypeClearParameterLock: func() Message { return new(ClearParameterLock) },
	TypeTrackVolumeSet:     func() Message { return new(TrackVolumeSet) },
	TypeTrackMutedSet:      func() Message { return new(TrackMutedSet) },
	TypeTrackSoloedSet:     func() Message { return new(TrackSoloedSet) },
	TypeTrackSampleSet:     func() Message { return new(TrackSampleSet) },
	TypeTrackNameSet:       func() Message { return new(TrackNameSet) },
	TypePlaybackModeSet:    func() Message { return new(PlaybackModeSet) },
	TypeTransposeSet:       func() Message { return new(TransposeSet) },
	TypeStepCountSet:       func() Message { return new(StepCountSet) },
	TypeClearSteps:         func() Message { return new(ClearSteps) },
	TypeAddTrack:           func() Message { return new(AddTrack) },
	TypeRemoveTrack:        func() Message { return new(RemoveTrack) },
	TypeReorderTrack:       func() Message { return new(ReorderTrack) },
	TypeTempoChanged:       func() Message { return new(TempoChanged) },
	TypeSwingChanged:       func() Message { return new(SwingChanged) },
	TypeSetEffects:         func() Message { return new(SetEffects) },
	TypeSessionRenamed:     func() Message { return new(SessionRenamed) },
	TypeJoin:               func() Message { return new(Join) },
	TypeResync:             func() Message { return new(Resync) },
	TypeStepToggled:        func() Message { return new(StepToggled) },
	TypeTrackAdded:         func() Message { return new(TrackAdded) },
	TypeSnapshot:           func() Message { return new(Snapshot) },
	TypePlayerJoined:       func() Message { return new(PlayerJoined) },
	TypePlayerLeft:         func() Message { return new(PlayerLeft) },
	TypeError:              func() Message { return new(Error) },
}

var mutatingTypes = map[Type]bool{
	TypeToggleStep:         true,
	TypeSetParameterLock:   true,
	TypeClearParameterLock: true,
	TypeTrackVolumeSet:     true,
	TypeTrackMutedSet:      true,
	TypeTrackSoloedSet:     true,
	TypeTrackSampleSet:     true,
	TypeTrackNameSet:       true,
	TypePlaybackModeSet:    true,
	TypeTransposeSet:       true,
	TypeStepCountSet:       true,
	TypeClearSteps:         true,
	TypeAddTrack:           true,
	TypeRemoveTrack:        true,
	TypeReorderTrack:       true,
	TypeTempoChanged:       true,
	TypeSwingChanged:       true,
	TypeSetEffects:         true,
	TypeSessionRenamed:     true,
}

var readonlyTypes = map[Type]bool{
	TypeJoin:   true,
	TypeResync: true,
}

// IsMutating reports whether a message of this type modifies session
// state. Mutating and read-only tags are disjoint sets; persistence
// scheduling keys off this without knowing individual types.
func IsMutating(t Type) bool { return mutatingTypes[t] }

// IsReadonly reports whether this is a client message with no state
// effect.
func IsReadonly(t Type) bool { return readonlyTypes[t] }

// Decode parses a wire frame into its typed message. Unknown or
// missing tags and malformed payloads are protocol errors the caller
// reports to the sender only.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if probe.Type == "" {
		return nil, ErrMissingType
	}
	factory, ok := registry[probe.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", probe.Type, err)
	}
	return msg, nil
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	if m.MessageType() == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(m)
}

func NewStepToggled(trackID string, step int, value bool) *StepToggled {
	return &StepToggled{Header: Header{TypeStepToggled}, TrackID: trackID, Step: step, Value: value}
}

func NewTrackAdded(track session.Track) *TrackAdded {
	return &TrackAdded{Header: Header{TypeTrackAdded}, Track: track}
}

func NewSnapshot(playerID, name string, immutable bool, state session.State, players []session.PlayerInfo, serverSeq uint64) *Snapshot {
	return &Snapshot{
		Header:    Header{TypeSnapshot},
		PlayerID:  playerID,
		Name:      name,
		Immutable: immutable,
		State:     state,
		Players:   players,
		ServerSeq: serverSeq,
	}
}

func NewPlayerJoined(player session.PlayerInfo, serverSeq uint64) *PlayerJoined {
	return &PlayerJoined{Header: Header{TypePlayerJoined}, Player: player, ServerSeq: serverSeq}
}

func NewPlayerLeft(playerID string, serverSeq uint64) *PlayerLeft {
	return &PlayerLeft{Header: Header{TypePlayerLeft}, PlayerID: playerID, ServerSeq: serverSeq}
}

func NewError(code, message string) *Error {
	return &Error{Header: Header{TypeError}, Code: code, Message: message}
}
