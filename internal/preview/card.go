package preview

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"

	"github.com/adewale/keyboardia-sub010/internal/store"
)

//go:embed templates/card.html
var cardHTML string

var cardTemplate = template.Must(template.New("card").Parse(cardHTML))

// palette assigns one accent color per track row. Track order is
// display order, so colors stay stable across renders.
var palette = []template.CSS{
	"#f25f4c",
	"#ff8906",
	"#e53170",
	"#7f5af0",
	"#2cb67d",
	"#00b4d8",
	"#fde24f",
	"#a786df",
}

type cardData struct {
	Name      string
	Meta      string
	Immutable bool
	Tracks    []cardTrack
}

type cardTrack struct {
	Name  string
	Color template.CSS
	Muted bool
	Steps []cardStep
}

type cardStep struct {
	Active bool
	Beat   bool
	Locked bool
}

// renderCard produces the step-grid HTML the screenshot is taken of.
func renderCard(rec *store.SessionRecord) (string, error) {
	var buf bytes.Buffer
	if err := cardTemplate.Execute(&buf, buildCard(rec)); err != nil {
		return "", fmt.Errorf("render card: %w", err)
	}
	return buf.String(), nil
}

func buildCard(rec *store.SessionRecord) cardData {
	data := cardData{
		Name:      rec.Name,
		Meta:      cardMeta(rec),
		Immutable: rec.Immutable,
	}
	for i, trk := range rec.State.Tracks {
		row := cardTrack{
			Name:  trk.Name,
			Color: palette[i%len(palette)],
			Muted: trk.Muted,
		}
		for s := 0; s < trk.StepCount && s < len(trk.Steps); s++ {
			step := cardStep{
				Active: trk.Steps[s],
				Beat:   s%4 == 0,
			}
			if s < len(trk.ParameterLocks) && trk.ParameterLocks[s] != nil {
				step.Locked = true
			}
			row.Steps = append(row.Steps, step)
		}
		data.Tracks = append(data.Tracks, row)
	}
	return data
}

func cardMeta(rec *store.SessionRecord) string {
	meta := fmt.Sprintf("%.0f BPM", rec.State.Tempo)
	if rec.State.Swing > 0 {
		meta += fmt.Sprintf(" / swing %.0f%%", rec.State.Swing)
	}
	switch n := len(rec.State.Tracks); n {
	case 1:
		meta += " / 1 track"
	default:
		meta += fmt.Sprintf(" / %d tracks", n)
	}
	if !rec.UpdatedAt.IsZero() {
		meta += " / " + rec.UpdatedAt.Format("Jan 2, 2006")
	}
	return meta
}
