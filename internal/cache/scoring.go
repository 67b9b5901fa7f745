package cache

import (
	"math"
	"sort"
	"time"
)

// ScoreWeights tune eviction scoring. Only the ordering they produce is
// meaningful: a lower score is evicted first.
type ScoreWeights struct {
	Recency   float64 // weight of 1/(1+hours since last access)
	Frequency float64 // weight of log(1+access count)

	// CompressedBonus multiplies the score of compressed entries. Values
	// above 1 let compressed entries outlive raw ones of equal age.
	CompressedBonus float64
}

// DefaultScoreWeights returns the weights used when none are configured.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Recency:         1.0,
		Frequency:       0.5,
		CompressedBonus: 1.5,
	}
}

// Score returns the retention score of e at now.
func (w ScoreWeights) Score(e EntryMetadata, now time.Time) float64 {
	ageHours := now.Sub(e.LastAccessedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	s := w.Recency/(1+ageHours) + w.Frequency*math.Log1p(float64(e.AccessCount))
	if e.State == StateCompressed && w.CompressedBonus > 0 {
		s *= w.CompressedBonus
	}
	return s
}

// rankForEviction orders entries from most to least evictable. Ties fall
// back to the older last access, then the older creation time.
func (w ScoreWeights) rankForEviction(entries []EntryMetadata, now time.Time) {
	scores := make(map[CacheKey]float64, len(entries))
	for _, e := range entries {
		scores[e.Key] = w.Score(e, now)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if sa, sb := scores[a.Key], scores[b.Key]; sa != sb {
			return sa < sb
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key.String() < b.Key.String()
	})
}
