package engine

import (
	"fmt"

	"github.com/adewale/keyboardia-sub010/internal/protocol"
	"github.com/adewale/keyboardia-sub010/internal/session"
	"github.com/adewale/keyboardia-sub010/internal/util"
)

// handlers maps every state-mutating wire type to its handler.
// session_renamed is deliberately absent: the name lives on the
// persisted record envelope, not the state document, so the
// coordinator applies it before dispatching here.
var handlers = map[protocol.Type]HandlerFunc{

	protocol.TypeToggleStep: TrackScoped(
		func(m *protocol.ToggleStep) string { return m.TrackID },
		nil,
		func(t *session.Track, m *protocol.ToggleStep) bool {
			if m.Step < 0 || m.Step >= t.StepCount {
				return false
			}
			t.Steps[m.Step] = !t.Steps[m.Step]
			return true
		},
		// Echo carries the resolved value so receivers set, not toggle.
		func(m *protocol.ToggleStep, t *session.Track) protocol.Stampable {
			return protocol.NewStepToggled(m.TrackID, m.Step, t.Steps[m.Step])
		},
	),

	protocol.TypeSetParameterLock: TrackScoped(
		func(m *protocol.SetParameterLock) string { return m.TrackID },
		func(m *protocol.SetParameterLock) {
			if m.Pitch != nil {
				p := session.ClampTranspose(*m.Pitch)
				m.Pitch = &p
			}
			if m.Volume != nil {
				v := session.ClampVolume(*m.Volume)
				m.Volume = &v
			}
		},
		func(t *session.Track, m *protocol.SetParameterLock) bool {
			if m.Step < 0 || m.Step >= t.StepCount {
				return false
			}
			t.ParameterLocks[m.Step] = &session.ParameterLock{Pitch: m.Pitch, Volume: m.Volume, Tie: m.Tie}
			return true
		},
		nil,
	),

	protocol.TypeClearParameterLock: TrackScoped(
		func(m *protocol.ClearParameterLock) string { return m.TrackID },
		nil,
		func(t *session.Track, m *protocol.ClearParameterLock) bool {
			if m.Step < 0 || m.Step >= len(t.ParameterLocks) {
				return false
			}
			t.ParameterLocks[m.Step] = nil
			return true
		},
		nil,
	),

	protocol.TypeTrackVolumeSet: TrackScoped(
		func(m *protocol.TrackVolumeSet) string { return m.TrackID },
		func(m *protocol.TrackVolumeSet) { m.Volume = session.ClampVolume(m.Volume) },
		func(t *session.Track, m *protocol.TrackVolumeSet) bool {
			t.Volume = m.Volume
			return true
		},
		nil,
	),

	protocol.TypeTrackMutedSet: TrackScoped(
		func(m *protocol.TrackMutedSet) string { return m.TrackID },
		nil,
		func(t *session.Track, m *protocol.TrackMutedSet) bool {
			t.Muted = m.Muted
			return true
		},
		nil,
	),

	protocol.TypeTrackSoloedSet: TrackScoped(
		func(m *protocol.TrackSoloedSet) string { return m.TrackID },
		nil,
		func(t *session.Track, m *protocol.TrackSoloedSet) bool {
			t.Soloed = m.Soloed
			return true
		},
		nil,
	),

	protocol.TypeTrackSampleSet: TrackScoped(
		func(m *protocol.TrackSampleSet) string { return m.TrackID },
		nil,
		func(t *session.Track, m *protocol.TrackSampleSet) bool {
			if m.SampleID == "" {
				return false
			}
			t.SampleID = m.SampleID
			return true
		},
		nil,
	),

	protocol.TypeTrackNameSet: TrackScoped(
		func(m *protocol.TrackNameSet) string { return m.TrackID },
		func(m *protocol.TrackNameSet) { m.Name = session.TruncateName(m.Name, session.MaxTrackNameLen) },
		func(t *session.Track, m *protocol.TrackNameSet) bool {
			if m.Name == "" {
				return false
			}
			t.Name = m.Name
			return true
		},
		nil,
	),

	protocol.TypePlaybackModeSet: TrackScoped(
		func(m *protocol.PlaybackModeSet) string { return m.TrackID },
		nil,
		func(t *session.Track, m *protocol.PlaybackModeSet) bool {
			if !session.ValidPlaybackMode(m.Mode) {
				return false
			}
			t.PlaybackMode = m.Mode
			return true
		},
		nil,
	),

	protocol.TypeTransposeSet: TrackScoped(
		func(m *protocol.TransposeSet) string { return m.TrackID },
		func(m *protocol.TransposeSet) { m.Transpose = session.ClampTranspose(m.Transpose) },
		func(t *session.Track, m *protocol.TransposeSet) bool {
			t.Transpose = m.Transpose
			return true
		},
		nil,
	),

	protocol.TypeStepCountSet: TrackScoped(
		func(m *protocol.StepCountSet) string { return m.TrackID },
		nil,
		func(t *session.Track, m *protocol.StepCountSet) bool {
			if !session.ValidStepCount(m.StepCount) {
				return false
			}
			t.Resize(m.StepCount)
			return true
		},
		nil,
	),

	protocol.TypeClearSteps: TrackScoped(
		func(m *protocol.ClearSteps) string { return m.TrackID },
		nil,
		func(t *session.Track, m *protocol.ClearSteps) bool {
			// Clears the whole array, not just the active window, so a
			// later step-count grow does not resurrect old steps.
			for i := range t.Steps {
				t.Steps[i] = false
			}
			return true
		},
		nil,
	),

	protocol.TypeAddTrack: GlobalScoped(
		func(m *protocol.AddTrack) { m.Name = session.TruncateName(m.Name, session.MaxTrackNameLen) },
		func(s *session.State, m *protocol.AddTrack) bool {
			if len(s.Tracks) >= session.MaxTracks {
				return false
			}
			name := m.Name
			if name == "" {
				name = fmt.Sprintf("Track %d", len(s.Tracks)+1)
			}
			s.Tracks = append(s.Tracks, session.NewTrack(util.NewID("trk"), name, m.SampleID))
			return true
		},
		// Echo carries the built track so receivers learn its id.
		func(m *protocol.AddTrack, s *session.State) protocol.Stampable {
			return protocol.NewTrackAdded(s.Tracks[len(s.Tracks)-1])
		},
	),

	protocol.TypeRemoveTrack: GlobalScoped(
		nil,
		func(s *session.State, m *protocol.RemoveTrack) bool {
			i := s.TrackIndex(m.TrackID)
			if i == -1 {
				return false
			}
			s.Tracks = append(s.Tracks[:i], s.Tracks[i+1:]...)
			return true
		},
		nil,
	),

	protocol.TypeReorderTrack: GlobalScoped(
		nil,
		func(s *session.State, m *protocol.ReorderTrack) bool {
			from := s.TrackIndex(m.TrackID)
			if from == -1 {
				return false
			}
			to := m.ToIndex
			if to < 0 {
				to = 0
			}
			if to >= len(s.Tracks) {
				to = len(s.Tracks) - 1
			}
			if to == from {
				return false
			}
			moved := s.Tracks[from]
			s.Tracks = append(s.Tracks[:from], s.Tracks[from+1:]...)
			s.Tracks = append(s.Tracks, session.Track{})
			copy(s.Tracks[to+1:], s.Tracks[to:])
			s.Tracks[to] = moved
			return true
		},
		nil,
	),

	protocol.TypeTempoChanged: GlobalScoped(
		func(m *protocol.TempoChanged) { m.Tempo = session.ClampTempo(m.Tempo) },
		func(s *session.State, m *protocol.TempoChanged) bool {
			s.Tempo = m.Tempo
			return true
		},
		nil,
	),

	protocol.TypeSwingChanged: GlobalScoped(
		func(m *protocol.SwingChanged) { m.Swing = session.ClampSwing(m.Swing) },
		func(s *session.State, m *protocol.SwingChanged) bool {
			s.Swing = m.Swing
			return true
		},
		nil,
	),

	protocol.TypeSetEffects: GlobalScoped(
		func(m *protocol.SetEffects) { m.Effects = session.ClampEffects(m.Effects) },
		func(s *session.State, m *protocol.SetEffects) bool {
			s.Effects = m.Effects
			return true
		},
		nil,
	),
}
