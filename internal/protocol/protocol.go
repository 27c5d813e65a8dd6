// Package protocol defines the wire messages exchanged between clients
// and a session coordinator. Every message is a flat JSON object with a
// "type" tag; one struct per tag. Client-to-coordinator messages are
// mutations (plus the read-only join/resync); coordinator-to-client
// messages are broadcasts. Most mutations are rebroadcast under their
// own tag, annotated with the originating player. The exceptions are
// toggle_step and add_track, whose echoes carry data only the
// coordinator can resolve (the resulting step value, the assigned
// track).
package protocol

import (
	"github.com/adewale/keyboardia-sub010/internal/session"
)

// Type discriminates wire messages.
type Type string

// Client-to-coordinator mutation tags.
const (
	TypeToggleStep         Type = "toggle_step"
	TypeSetParameterLock   Type = "set_parameter_lock"
	TypeClearParameterLock Type = "clear_parameter_lock"
	TypeTrackVolumeSet     Type = "track_volume_set"
	TypeTrackMutedSet      Type = "track_muted_set"
	TypeTrackSoloedSet     Type = "track_soloed_set"
	TypeTrackSampleSet     Type = "track_sample_set"
	TypeTrackNameSet       Type = "track_name_set"
	TypePlaybackModeSet    Type = "playback_mode_set"
	TypeTransposeSet       Type = "transpose_set"
	TypeStepCountSet       Type = "step_count_set"
	TypeClearSteps         Type = "clear_steps"
	TypeAddTrack           Type = "add_track"
	TypeRemoveTrack        Type = "remove_track"
	TypeReorderTrack       Type = "reorder_track"
	TypeTempoChanged       Type = "tempo_changed"
	TypeSwingChanged       Type = "swing_changed"
	TypeSetEffects         Type = "set_effects"
	TypeSessionRenamed     Type = "session_renamed"
)

// Client-to-coordinator read-only tags.
const (
	TypeJoin   Type = "join"
	TypeResync Type = "resync"
)

// Coordinator-to-client tags.
const (
	TypeStepToggled  Type = "step_toggled"
	TypeTrackAdded   Type = "track_added"
	TypeSnapshot     Type = "snapshot"
	TypePlayerJoined Type = "player_joined"
	TypePlayerLeft   Type = "player_left"
	TypeError        Type = "error"
)

// Error codes carried by Error messages.
const (
	CodeBadMessage  = "bad_message"
	CodeUnknownType = "unknown_type"
	CodeSessionFull = "session_full"
	CodePublished   = "session_published"
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() Type
}

// Header is the discriminant every wire message starts with.
type Header struct {
	Type Type `json:"type"`
}

func (h Header) MessageType() Type { return h.Type }

// Mutation carries the optional client-assigned sequence number every
// mutation message may include.
type Mutation struct {
	Seq uint64 `json:"seq,omitempty"`
}

func (m Mutation) MutationSeq() uint64 { return m.Seq }

// Origin annotates a broadcast with the player whose mutation produced
// it. ClientSeq is the sender's Mutation.Seq when one was supplied, so
// the sender can match the echo to its pending entry. ServerSeq is the
// coordinator's monotonic counter.
type Origin struct {
	PlayerID  string `json:"playerId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`
	ServerSeq uint64 `json:"serverSeq,omitempty"`
}

// Stamp fills in the origin annotation before rebroadcast.
func (o *Origin) Stamp(playerID string, clientSeq, serverSeq uint64) {
	o.PlayerID = playerID
	o.ClientSeq = clientSeq
	o.ServerSeq = serverSeq
}

// From reads the annotation back. Receivers use it to recognize echoes
// of their own mutations.
func (o Origin) From() (playerID string, clientSeq, serverSeq uint64) {
	return o.PlayerID, o.ClientSeq, o.ServerSeq
}

// Stampable is any message carrying an Origin annotation.
type Stampable interface {
	Message
	Stamp(playerID string, clientSeq, serverSeq uint64)
}

// Stamped is the read side of Stampable.
type Stamped interface {
	Message
	From() (playerID string, clientSeq, serverSeq uint64)
}

// Mutating is implemented by every client message that modifies session
// state. Read-only and broadcast-only messages do not implement it.
type Mutating interface {
	Stampable
	MutationSeq() uint64
}

// --- track-scoped mutations ---

type ToggleStep struct {
	Header
	Mutation
	Origin
	TrackID string `json:"trackId"`
	Step    int    `json:"step"`
}

type SetParameterLock struct {
	Header
	Mutation
	Origin
	TrackID string   `json:"trackId"`
	Step    int      `json:"step"`
	Pitch   *int     `json:"pitch,omitempty"`
	Volume  *float64 `json:"volume,omitempty"`
	Tie     bool     `json:"tie,omitempty"`
}

type ClearParameterLock struct {
	Header
	Mutation
	Origin
	TrackID string `json:"trackId"`
	Step    int    `json:"step"`
}

type TrackVolumeSet struct {
	Header
	Mutation
	Origin
	TrackID string  `json:"trackId"`
	Volume  float64 `json:"volume"`
}

type TrackMutedSet struct {
	Header
	Mutation
	Origin
	TrackID string `json:"trackId"`
	Muted   bool   `json:"muted"`
}

type TrackSoloedSet struct {
	Header
	Mutation
	Origin
	TrackID string `json:"trackId"`
	Soloed  bool   `json:"soloed"`
}

type TrackSampleSet struct {
	Header
	Mutation
	Origin
	TrackID  string `json:"trackId"`
	SampleID string `json:"sampleId"`
}

type TrackNameSet struct {
	Header
	Mutation
	Origin
	TrackID string `json:"trackId"`
	Name    string `json:"name"`
}

type PlaybackModeSet struct {
	Header
	Mutation
	Origin
	TrackID string `json:"trackId"`
	Mode    string `json:"mode"`
}

type TransposeSet struct {
	Header
	Mutation
	Origin
	TrackID   string `json:"trackId"`
	Transpose int    `json:"transpose"`
}

type StepCountSet struct {
	Header
	Mutation
	Origin
	TrackID   string `json:"trackId"`
	StepCount int    `json:"stepCount"`
}

type ClearSteps struct {
	Header
	Mutation
	Origin
	TrackID string `json:"trackId"`
}

// --- global mutations ---

type AddTrack struct {
	Header
	Mutation
	Origin
	Name     string `json:"name,omitempty"`
	SampleID string `json:"sampleId,omitempty"`
}

type RemoveTrack struct {
	Header
	Mutation
	Origin
	TrackID string `json:"trackId"`
}

type ReorderTrack struct {
	Header
	Mutation
	Origin
	TrackID string `json:"trackId"`
	ToIndex int    `json:"toIndex"`
}

type TempoChanged struct {
	Header
	Mutation
	Origin
	Tempo float64 `json:"tempo"`
}

type SwingChanged struct {
	Header
	Mutation
	Origin
	Swing float64 `json:"swing"`
}

type SetEffects struct {
	Header
	Mutation
	Origin
	Effects session.EffectsState `json:"effects"`
}

type SessionRenamed struct {
	Header
	Mutation
	Origin
	Name string `json:"name"`
}

// --- read-only client messages ---

type Join struct {
	Header
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

type Resync struct {
	Header
}

// --- coordinator-only broadcasts ---

// StepToggled is the echo of toggle_step. It carries the resolved step
// value so receivers set it rather than re-toggling, which keeps
// snapshot-then-broadcast application idempotent.
type StepToggled struct {
	Header
	Origin
	TrackID string `json:"trackId"`
	Step    int    `json:"step"`
	Value   bool   `json:"value"`
}

// TrackAdded is the echo of add_track, carrying the coordinator-built
// track with its assigned id.
type TrackAdded struct {
	Header
	Origin
	Track session.Track `json:"track"`
}

// Snapshot is the full authoritative document. It is the first message
// a joining player receives (PlayerID is the recipient's own assigned
// id) and the reply to resync.
type Snapshot struct {
	Header
	PlayerID  string               `json:"playerId"`
	Name      string               `json:"name,omitempty"`
	Immutable bool                 `json:"immutable,omitempty"`
	State     session.State        `json:"state"`
	Players   []session.PlayerInfo `json:"players"`
	ServerSeq uint64               `json:"serverSeq"`
}

type PlayerJoined struct {
	Header
	Player    session.PlayerInfo `json:"player"`
	ServerSeq uint64             `json:"serverSeq"`
}

type PlayerLeft struct {
	Header
	PlayerID  string `json:"playerId"`
	ServerSeq uint64 `json:"serverSeq"`
}

// Error is sent to one client only, never broadcast.
type Error struct {
	Header
	Code    string `json:"code"`
	Message string `json:"message"`
}
