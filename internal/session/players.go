package session

import "time"

// MaxPlayerNameLen caps client-chosen display names.
const MaxPlayerNameLen = 32

// PlayerInfo is the ephemeral identity of one connected player. It is
// never persisted; it exists only while the connection is open.
type PlayerInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Color         string    `json:"color"`
	ColorIndex    int       `json:"colorIndex"`
	Animal        string    `json:"animal"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	MessageCount  int       `json:"messageCount"`
}

var playerColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

var playerAnimals = []string{
	"fox", "owl", "lynx", "otter", "heron",
	"mole", "hare", "wren", "newt", "boar",
}

// AssignIdentity fills in the palette-derived fields of a player from
// its join order. Names default to the animal when the client did not
// send one.
func AssignIdentity(p *PlayerInfo, joinOrder int) {
	p.ColorIndex = joinOrder % len(playerColors)
	p.Color = playerColors[p.ColorIndex]
	p.Animal = playerAnimals[joinOrder%len(playerAnimals)]
	if p.Name == "" {
		p.Name = p.Animal
	}
}
