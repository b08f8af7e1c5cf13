// Package dice resolves d20 skill checks into tiered outcomes.
package dice

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"

	"turnline/internal/domain"
)

const sides = 20

// Source is the random source a check draws from. *rand.Rand satisfies it.
type Source interface {
	Intn(n int) int
}

// CheckConfig describes a single skill check.
type CheckConfig struct {
	Skill          string `json:"skill"`
	Difficulty     int    `json:"difficulty"`
	Advantage      bool   `json:"advantage,omitempty"`
	Disadvantage   bool   `json:"disadvantage,omitempty"`
	BaseMod        int    `json:"base_mod,omitempty"`
	SituationalMod int    `json:"situational_mod,omitempty"`
}

// NewSource returns a deterministic source for the seed.
func NewSource(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// ResolveCheck rolls a check and tiers the result.
//
// # Determinism
//
// Given the same config and a source in the same state, ResolveCheck draws the
// same dice and returns the same outcome. With advantage or disadvantage two
// dice are drawn (the higher or lower is kept); otherwise one die is drawn.
// When both flags are set they cancel and a single die is drawn.
//
// # Tiering
//
// Natural 20 is CRIT_SUCCESS and natural 1 is CRIT_FAIL regardless of
// modifiers. Otherwise total >= difficulty+5 is SUCCESS, total >= difficulty
// is PARTIAL, anything lower is FAIL.
func ResolveCheck(cfg CheckConfig, rng Source) domain.Outcome {
	rolls := []int{rollDie(rng)}
	natural := rolls[0]
	if cfg.Advantage != cfg.Disadvantage {
		second := rollDie(rng)
		rolls = append(rolls, second)
		if cfg.Advantage {
			natural = max(natural, second)
		} else {
			natural = min(natural, second)
		}
	}
	total := natural + cfg.BaseMod + cfg.SituationalMod
	category := Tier(natural, total, cfg.Difficulty)

	tags := []string{"check"}
	if skill := strings.ToLower(strings.TrimSpace(cfg.Skill)); skill != "" {
		tags = append(tags, skill)
	}
	if cfg.Advantage && !cfg.Disadvantage {
		tags = append(tags, "advantage")
	}
	if cfg.Disadvantage && !cfg.Advantage {
		tags = append(tags, "disadvantage")
	}
	return domain.Outcome{
		Category: category,
		Check: &domain.Check{
			Skill:      cfg.Skill,
			Difficulty: cfg.Difficulty,
			Roll:       natural,
			Rolls:      rolls,
			Total:      total,
			Modifiers: map[string]int{
				"base":        cfg.BaseMod,
				"situational": cfg.SituationalMod,
			},
		},
		Consequences: []string{},
		Tags:         tags,
	}
}

// Tier maps a natural roll and a modified total onto an outcome category.
func Tier(natural, total, difficulty int) domain.OutcomeCategory {
	switch {
	case natural == sides:
		return domain.CritSuccess
	case natural == 1:
		return domain.CritFail
	case total >= difficulty+5:
		return domain.Success
	case total >= difficulty:
		return domain.Partial
	default:
		return domain.Fail
	}
}

func rollDie(rng Source) int {
	return rng.Intn(sides) + 1
}
