package dataset

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/lamim/rewardforge/pkg/models"
)

// Split is a parsed slice expression over a named dataset split, e.g.
// "train", "train[:10%]", "train[500:]" or "train[10%:20%]".
type Split struct {
	Name string
	lo   bound
	hi   bound
}

type bound struct {
	set     bool
	percent bool
	value   int
}

// ParseSplit parses a split expression
func ParseSplit(spec string) (Split, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Split{}, fmt.Errorf("split expression is empty")
	}

	open := strings.IndexByte(spec, '[')
	if open < 0 {
		return Split{Name: spec}, nil
	}
	if !strings.HasSuffix(spec, "]") {
		return Split{}, fmt.Errorf("split %q is missing closing bracket", spec)
	}

	name := spec[:open]
	if name == "" {
		return Split{}, fmt.Errorf("split %q is missing a split name", spec)
	}

	inner := spec[open+1 : len(spec)-1]
	parts := strings.Split(inner, ":")
	if len(parts) != 2 {
		return Split{}, fmt.Errorf("split %q must use a lo:hi slice", spec)
	}

	lo, err := parseBound(parts[0])
	if err != nil {
		return Split{}, fmt.Errorf("split %q: %w", spec, err)
	}
	hi, err := parseBound(parts[1])
	if err != nil {
		return Split{}, fmt.Errorf("split %q: %w", spec, err)
	}

	return Split{Name: name, lo: lo, hi: hi}, nil
}

func parseBound(s string) (bound, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return bound{}, nil
	}
	b := bound{set: true}
	if strings.HasSuffix(s, "%") {
		b.percent = true
		s = strings.TrimSuffix(s, "%")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return bound{}, fmt.Errorf("invalid slice bound %q", s)
	}
	if v < 0 {
		return bound{}, fmt.Errorf("slice bound %d must not be negative", v)
	}
	if b.percent && v > 100 {
		return bound{}, fmt.Errorf("slice bound %d%% exceeds 100%%", v)
	}
	b.value = v
	return b, nil
}

// Bounds resolves the slice against a dataset of n records. Percent bounds
// truncate toward zero, so train[:10%] of 105 records yields 10.
func (s Split) Bounds(n int) (int, int, error) {
	lo := s.resolve(s.lo, n, 0)
	hi := s.resolve(s.hi, n, n)
	if lo > n {
		lo = n
	}
	if hi > n {
		hi = n
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("split lower bound %d exceeds upper bound %d", lo, hi)
	}
	return lo, hi, nil
}

func (s Split) resolve(b bound, n, def int) int {
	if !b.set {
		return def
	}
	if b.percent {
		return n * b.value / 100
	}
	return b.value
}

// Apply slices the pairs according to the split bounds
func (s Split) Apply(pairs []models.PreferencePair) ([]models.PreferencePair, error) {
	lo, hi, err := s.Bounds(len(pairs))
	if err != nil {
		return nil, err
	}
	return pairs[lo:hi], nil
}

// Subset keeps the first n pairs. n <= 0 keeps everything.
func Subset(pairs []models.PreferencePair, n int) []models.PreferencePair {
	if n <= 0 || n >= len(pairs) {
		return pairs
	}
	return pairs[:n]
}

// Shuffle permutes the pairs in place using the given seed.
// Seed 0 keeps file order.
func Shuffle(pairs []models.PreferencePair, seed int64) {
	if seed == 0 {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(pairs), func(i, j int) {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	})
}

// Select applies the full selection pipeline: slice by split expression,
// optionally shuffle, then keep the first subset pairs. Shuffling happens
// before the subset cut so the seed decides which examples survive.
func Select(pairs []models.PreferencePair, splitSpec string, subset int, shuffleSeed int64) ([]models.PreferencePair, error) {
	split, err := ParseSplit(splitSpec)
	if err != nil {
		return nil, err
	}
	selected, err := split.Apply(pairs)
	if err != nil {
		return nil, err
	}
	Shuffle(selected, shuffleSeed)
	return Subset(selected, subset), nil
}
