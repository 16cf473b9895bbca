// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package seeds generates pairwise-distinct 63-bit seeds for fanning a
// workflow across multiple render backends.
package seeds

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

// Strategy selects how seed offsets are derived from the base seed.
type Strategy string

const (
	StrategyRandom      Strategy = "random"
	StrategySequential  Strategy = "sequential"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyGoldenRatio Strategy = "golden_ratio"
)

const (
	// MaxSeed is the largest valid seed value (2^63 - 1).
	MaxSeed = int64(math.MaxInt64)

	// minRandomSpacing is the minimum distance between any two seeds
	// produced by the random strategy.
	minRandomSpacing = int64(1_000_000)

	// phi is the golden ratio used by StrategyGoldenRatio.
	phi = 1.6180339887498949
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRandom, StrategySequential, StrategyFibonacci, StrategyGoldenRatio:
		return Strategy(s), nil
	default:
		return "", &errors.ValidationError{Field: "seed_strategy", Message: "unknown strategy: " + s}
	}
}

// Generator produces seed sequences. The zero value is usable; Logger
// defaults to slog.Default when nil.
type Generator struct {
	Logger *slog.Logger
}

// Generate returns count unique seeds in [0, 2^63-1] for the given
// strategy. If base is nil a base seed is drawn uniformly from
// [0, 2^63-1-count*10^6]. Every strategy is deterministic for a fixed
// base seed, including random.
func (g *Generator) Generate(strategy Strategy, base *int64, count int) ([]int64, error) {
	if count < 0 {
		return nil, &errors.ValidationError{Field: "count", Message: "count must be non-negative"}
	}
	if count == 0 {
		return []int64{}, nil
	}

	b := g.baseSeed(base, count)

	switch strategy {
	case StrategySequential:
		return sequential(b, count), nil
	case StrategyFibonacci:
		return fibonacci(b, count), nil
	case StrategyGoldenRatio:
		return goldenRatio(b, count), nil
	case StrategyRandom:
		return g.random(b, count), nil
	default:
		return nil, &errors.ValidationError{Field: "seed_strategy", Message: "unknown strategy: " + string(strategy)}
	}
}

// baseSeed returns the explicit base clamped into range, or a fresh one
// leaving headroom for count spaced seeds.
func (g *Generator) baseSeed(base *int64, count int) int64 {
	if base != nil {
		return clamp(*base)
	}
	headroom := MaxSeed - int64(count)*minRandomSpacing
	if headroom <= 0 {
		headroom = MaxSeed
	}
	return rand.Int63n(headroom + 1)
}

// clamp reduces a value into [0, 2^63-1] via modular reduction.
// Modular arithmetic is done in uint64 space so overflowing offsets wrap
// instead of going negative.
func clamp(v int64) int64 {
	return int64(uint64(v) & uint64(MaxSeed))
}

func addMod(base int64, offset uint64) int64 {
	return int64((uint64(base) + offset) & uint64(MaxSeed))
}

func sequential(base int64, count int) []int64 {
	out := make([]int64, count)
	for i := 0; i < count; i++ {
		out[i] = addMod(base, uint64(i))
	}
	return out
}

func fibonacci(base int64, count int) []int64 {
	out := make([]int64, count)
	out[0] = clamp(base)
	fibA, fibB := uint64(1), uint64(1)
	var cumulative uint64
	for i := 1; i < count; i++ {
		cumulative += fibA
		out[i] = addMod(base, cumulative*1000)
		fibA, fibB = fibB, fibA+fibB
	}
	return out
}

func goldenRatio(base int64, count int) []int64 {
	out := make([]int64, count)
	out[0] = clamp(base)
	for i := 1; i < count; i++ {
		offset := math.Floor(float64(base) * (math.Pow(phi, float64(i)) - 1))
		out[i] = addMod(base, uint64(offset))
	}
	return out
}

// random draws candidates from a PRNG seeded with base, requiring each to
// sit at least minRandomSpacing away from every already-chosen seed. After
// 100 rejected candidates for one slot the spacing requirement is waived
// for that slot.
func (g *Generator) random(base int64, count int) []int64 {
	rng := rand.New(rand.NewSource(base))
	out := make([]int64, 0, count)

	for len(out) < count {
		var candidate int64
		accepted := false
		for attempt := 0; attempt < 100; attempt++ {
			candidate = rng.Int63()
			if spaced(out, candidate) {
				accepted = true
				break
			}
		}
		if !accepted {
			g.logger().Warn("seed spacing requirement waived after 100 attempts",
				slog.Int("slot", len(out)),
				slog.Int64("seed", candidate))
		}
		out = append(out, candidate)
	}
	return out
}

func spaced(chosen []int64, candidate int64) bool {
	for _, s := range chosen {
		d := s - candidate
		if d < 0 {
			d = -d
		}
		if d < minRandomSpacing {
			return false
		}
	}
	return true
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
