// Package leaderboard accumulates per-participant scores and ranks them.
package leaderboard

import (
	"cmp"
	"iter"
	"slices"
)

type Entry struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Board is a pure accumulator: no I/O, not safe for concurrent use.
type Board struct {
	entries []*Entry // first contribution order
	byName  map[string]*Entry
	ranked  []Entry
}

func New() *Board {
	return &Board{byName: make(map[string]*Entry)}
}

// AddScore adds delta to name's entry, creating it on first contribution.
func (b *Board) AddScore(name string, delta int) {
	e := b.byName[name]
	if e == nil {
		e = &Entry{Name: name}
		b.byName[name] = e
		b.entries = append(b.entries, e)
	}
	e.Score += delta
	b.rerank()
}

// Rank yields (name, score) by score descending; ties keep first-contribution
// order. The sequence is a snapshot and can be iterated any number of times.
func (b *Board) Rank() iter.Seq2[string, int] {
	ranked := b.ranked
	return func(yield func(string, int) bool) {
		for _, e := range ranked {
			if !yield(e.Name, e.Score) {
				return
			}
		}
	}
}

// Entries returns a copy of the ranked list.
func (b *Board) Entries() []Entry {
	return slices.Clone(b.ranked)
}

func (b *Board) Score(name string) (int, bool) {
	e := b.byName[name]
	if e == nil {
		return 0, false
	}
	return e.Score, true
}

func (b *Board) Len() int { return len(b.entries) }

func (b *Board) rerank() {
	ranked := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		ranked[i] = *e
	}
	slices.SortStableFunc(ranked, func(x, y Entry) int {
		return cmp.Compare(y.Score, x.Score)
	})
	b.ranked = ranked
}
