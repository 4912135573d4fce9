// Package dice resolves dice rolls attached to chat messages.
//
// Rolls are deterministic for a given seed. The server picks the seed when it
// admits a command and stores the result in the delta, so replaying the delta
// log never re-rolls.
package dice

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
)

const (
	// MaxSpecs bounds the dice groups in one roll.
	MaxSpecs = 10
	// MaxCount bounds the dice in one group.
	MaxCount = 100
	// MaxSides bounds the faces of one die.
	MaxSides = 1000
	// MaxModifier bounds the flat modifier in either direction.
	MaxModifier = 1000
)

var (
	// ErrMissingDice is returned when a roll names no dice.
	ErrMissingDice = errors.New("at least one die is required")
	// ErrInvalidSpec is returned for a group outside the accepted bounds.
	ErrInvalidSpec = errors.New("invalid dice spec")
)

// Spec is one group of identical dice, such as 2d6.
type Spec struct {
	Count int `json:"count"`
	Sides int `json:"sides"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%dd%d", s.Count, s.Sides)
}

// Request asks for Dice to be rolled and Modifier added to the total.
type Request struct {
	Dice     []Spec `json:"dice"`
	Modifier int    `json:"modifier,omitempty"`
}

// Group is the outcome of one Spec.
type Group struct {
	Sides   int   `json:"sides"`
	Results []int `json:"results"`
	Total   int   `json:"total"`
}

// Result is a resolved roll.
type Result struct {
	Seed     int64   `json:"seed"`
	Groups   []Group `json:"groups"`
	Modifier int     `json:"modifier,omitempty"`
	Total    int     `json:"total"`
}

// Check validates req without rolling it.
func Check(req Request) error {
	if len(req.Dice) == 0 {
		return ErrMissingDice
	}
	if len(req.Dice) > MaxSpecs {
		return fmt.Errorf("%w: at most %d groups", ErrInvalidSpec, MaxSpecs)
	}
	for _, spec := range req.Dice {
		if spec.Count <= 0 || spec.Count > MaxCount || spec.Sides <= 0 || spec.Sides > MaxSides {
			return fmt.Errorf("%w: %s", ErrInvalidSpec, spec)
		}
	}
	if req.Modifier > MaxModifier || req.Modifier < -MaxModifier {
		return fmt.Errorf("%w: modifier %d", ErrInvalidSpec, req.Modifier)
	}
	return nil
}

// Roll resolves req with seed. Groups appear in request order and each die
// lands in [1, Sides].
func Roll(req Request, seed int64) (Result, error) {
	if err := Check(req); err != nil {
		return Result{}, err
	}
	rng := rand.New(rand.NewSource(seed))
	out := Result{Seed: seed, Groups: make([]Group, 0, len(req.Dice)), Modifier: req.Modifier}
	for _, spec := range req.Dice {
		g := Group{Sides: spec.Sides, Results: make([]int, spec.Count)}
		for i := range g.Results {
			g.Results[i] = rng.Intn(spec.Sides) + 1
			g.Total += g.Results[i]
		}
		out.Groups = append(out.Groups, g)
		out.Total += g.Total
	}
	out.Total += req.Modifier
	return out, nil
}

// NewSeed returns a seed from crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
