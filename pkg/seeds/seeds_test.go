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

package seeds

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func TestSequential(t *testing.T) {
	g := &Generator{}

	out, err := g.Generate(StrategySequential, ptr(42), 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{42, 43, 44}, out)
}

func TestSequentialWrapsAtMax(t *testing.T) {
	g := &Generator{}

	out, err := g.Generate(StrategySequential, ptr(math.MaxInt64), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), out[0])
	assert.Equal(t, int64(0), out[1], "increment past 2^63-1 must wrap to zero")
}

func TestFibonacci(t *testing.T) {
	g := &Generator{}

	out, err := g.Generate(StrategyFibonacci, ptr(1000), 6)
	require.NoError(t, err)
	// Cumulative fib sums 1, 2, 4, 7, 12 scaled by 1000.
	assert.Equal(t, []int64{1000, 2000, 3000, 5000, 8000, 13000}, out)
}

func TestGoldenRatio(t *testing.T) {
	g := &Generator{}

	out, err := g.Generate(StrategyGoldenRatio, ptr(100), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(100), out[0])
	for i := 1; i < 4; i++ {
		want := 100 + int64(math.Floor(100*(math.Pow(phi, float64(i))-1)))
		assert.Equal(t, want, out[i], "seed %d", i)
	}
}

func TestRandomDeterministic(t *testing.T) {
	g := &Generator{}

	a, err := g.Generate(StrategyRandom, ptr(7), 8)
	require.NoError(t, err)
	b, err := g.Generate(StrategyRandom, ptr(7), 8)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same base seed must yield the same sequence")
}

func TestRandomSpacing(t *testing.T) {
	g := &Generator{}

	out, err := g.Generate(StrategyRandom, ptr(12345), 16)
	require.NoError(t, err)
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			d := out[i] - out[j]
			if d < 0 {
				d = -d
			}
			assert.GreaterOrEqual(t, d, minRandomSpacing,
				"seeds %d and %d too close", i, j)
		}
	}
}

func TestSeedsInRange(t *testing.T) {
	g := &Generator{}

	for _, strategy := range []Strategy{StrategyRandom, StrategySequential, StrategyFibonacci, StrategyGoldenRatio} {
		out, err := g.Generate(strategy, ptr(math.MaxInt64-5), 10)
		require.NoError(t, err, string(strategy))
		for _, s := range out {
			assert.GreaterOrEqual(t, s, int64(0), string(strategy))
		}
	}
}

func TestUniqueness(t *testing.T) {
	g := &Generator{}

	for _, strategy := range []Strategy{StrategyRandom, StrategySequential, StrategyFibonacci, StrategyGoldenRatio} {
		out, err := g.Generate(strategy, ptr(99), 32)
		require.NoError(t, err, string(strategy))
		seen := make(map[int64]bool, len(out))
		for _, s := range out {
			assert.False(t, seen[s], "%s produced duplicate seed %d", strategy, s)
			seen[s] = true
		}
	}
}

func TestZeroCount(t *testing.T) {
	g := &Generator{}

	out, err := g.Generate(StrategySequential, ptr(1), 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNegativeCount(t *testing.T) {
	g := &Generator{}

	_, err := g.Generate(StrategySequential, ptr(1), -1)
	assert.Error(t, err)
}

func TestNoBaseSeed(t *testing.T) {
	g := &Generator{}

	out, err := g.Generate(StrategySequential, nil, 4)
	require.NoError(t, err)
	require.Len(t, out, 4)
	for _, s := range out {
		assert.GreaterOrEqual(t, s, int64(0))
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"random", "sequential", "fibonacci", "golden_ratio"} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, Strategy(name), s)
	}

	_, err := ParseStrategy("prime")
	assert.Error(t, err)
}
