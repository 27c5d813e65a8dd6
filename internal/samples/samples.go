// Package samples answers which drum samples a session may reference.
// The coordinator consults a catalog to clamp unknown sample ids; the
// API serves the listing to pickers.
package samples

import "sort"

// Sample is one playable sound.
type Sample struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Catalog is the read surface shared by the static set and the
// bucket-backed one.
type Catalog interface {
	List() []Sample
	Has(id string) bool
}

// Static is a fixed, immutable catalog.
type Static struct {
	samples []Sample
	index   map[string]bool
}

func NewStatic(samples []Sample) *Static {
	s := &Static{
		samples: append([]Sample(nil), samples...),
		index:   make(map[string]bool, len(samples)),
	}
	sort.Slice(s.samples, func(i, j int) bool { return s.samples[i].ID < s.samples[j].ID })
	for _, smp := range s.samples {
		s.index[smp.ID] = true
	}
	return s
}

func (s *Static) List() []Sample { return append([]Sample(nil), s.samples...) }

func (s *Static) Has(id string) bool { return s.index[id] }

// Builtin returns the sample set every deployment ships with. The
// default sample id handed to new tracks must stay in this list.
func Builtin() *Static {
	return NewStatic([]Sample{
		{ID: "kick-808", Name: "808 Kick", Kind: "kick"},
		{ID: "kick-909", Name: "909 Kick", Kind: "kick"},
		{ID: "snare-808", Name: "808 Snare", Kind: "snare"},
		{ID: "snare-909", Name: "909 Snare", Kind: "snare"},
		{ID: "clap-909", Name: "909 Clap", Kind: "clap"},
		{ID: "rimshot-808", Name: "808 Rimshot", Kind: "snare"},
		{ID: "hat-closed", Name: "Closed Hat", Kind: "hat"},
		{ID: "hat-open", Name: "Open Hat", Kind: "hat"},
		{ID: "tom-low", Name: "Low Tom", Kind: "tom"},
		{ID: "tom-mid", Name: "Mid Tom", Kind: "tom"},
		{ID: "tom-high", Name: "High Tom", Kind: "tom"},
		{ID: "cowbell-808", Name: "808 Cowbell", Kind: "perc"},
		{ID: "shaker", Name: "Shaker", Kind: "perc"},
		{ID: "perc-block", Name: "Wood Block", Kind: "perc"},
		{ID: "crash-909", Name: "909 Crash", Kind: "cymbal"},
		{ID: "ride-606", Name: "606 Ride", Kind: "cymbal"},
	})
}
