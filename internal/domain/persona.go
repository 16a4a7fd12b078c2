package domain

import (
	"fmt"
	"strings"
)

// Persona is a closed set of behavioral archetypes. Each value carries an
// immutable PersonaProfile with the defaults applied to new bots.
type Persona string

const (
	PersonaEnthusiast Persona = "enthusiast"
	PersonaCasual     Persona = "casual"
	PersonaSupportive Persona = "supportive"
	PersonaLurker     Persona = "lurker"
)

var Personas = []Persona{PersonaEnthusiast, PersonaCasual, PersonaSupportive, PersonaLurker}

// PersonaProfile holds persona defaults. Accessors return copies so the
// tables below can never be mutated through a profile.
type PersonaProfile struct {
	activity   ActivityLevel
	dailyLimit int
	hours      []int
	days       []int
	weights    [6]float64 // indexed like EngagementTypes
}

func (p PersonaProfile) ActivityLevel() ActivityLevel { return p.activity }
func (p PersonaProfile) DailyLimit() int              { return p.dailyLimit }
func (p PersonaProfile) PreferredHours() []int        { return append([]int(nil), p.hours...) }
func (p PersonaProfile) ActiveDays() []int            { return append([]int(nil), p.days...) }

func (p PersonaProfile) EngagementStyle() EngagementStyle {
	style := make(EngagementStyle, len(EngagementTypes))
	for i, t := range EngagementTypes {
		style[t] = p.weights[i]
	}
	return style
}

var everyDay = []int{0, 1, 2, 3, 4, 5, 6}

var personaProfiles = map[Persona]PersonaProfile{
	PersonaEnthusiast: {
		activity:   ActivityHigh,
		dailyLimit: 80,
		hours:      hourRange(8, 23),
		days:       everyDay,
		//          like  repost comment follow bookmark quote
		weights: [6]float64{0.9, 0.6, 0.5, 0.4, 0.5, 0.3},
	},
	PersonaCasual: {
		activity:   ActivityMedium,
		dailyLimit: 30,
		hours:      []int{7, 8, 12, 13, 18, 19, 20, 21, 22},
		days:       everyDay,
		weights:    [6]float64{0.6, 0.2, 0.15, 0.2, 0.3, 0.05},
	},
	PersonaSupportive: {
		activity:   ActivityMedium,
		dailyLimit: 50,
		hours:      hourRange(9, 22),
		days:       everyDay,
		weights:    [6]float64{0.8, 0.5, 0.6, 0.5, 0.3, 0.2},
	},
	PersonaLurker: {
		activity:   ActivityLow,
		dailyLimit: 10,
		hours:      []int{12, 13, 20, 21, 22, 23},
		days:       []int{0, 5, 6},
		weights:    [6]float64{0.4, 0.05, 0.02, 0.1, 0.6, 0.01},
	},
}

func hourRange(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, h)
	}
	return out
}

func (p Persona) Valid() bool {
	_, ok := personaProfiles[p]
	return ok
}

// Profile returns the persona defaults. Valid must hold.
func (p Persona) Profile() PersonaProfile {
	return personaProfiles[p]
}

// ParsePersona normalizes a persona name.
func ParsePersona(s string) (Persona, error) {
	p := Persona(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", ValidationError{Field: "persona_type", Reason: fmt.Sprintf("unknown persona %q", s)}
	}
	return p, nil
}
