package candidate

import "sort"

// Candidates is list of candidates ordered by priority descending.
type Candidates []*Candidate

func (c Candidates) Len() int           { return len(c) }
func (c Candidates) Less(i, j int) bool { return c[i].Priority > c[j].Priority }
func (c Candidates) Swap(i, j int)      { c[i], c[j] = c[j], c[i] }

// Dedupe sorts candidates by priority descending and removes redundant ones:
// when two host candidates share address and port only the one with higher
// priority is kept, other duplicates by identity are dropped too.
func Dedupe(c Candidates) Candidates {
	sort.Stable(c)
	result := make(Candidates, 0, len(c))
Loop:
	for _, candidate := range c {
		for _, kept := range result {
			if kept.ComponentID != candidate.ComponentID {
				continue
			}
			if kept.Type == Local && candidate.Type == Local && kept.Addr.Equal(candidate.Addr) {
				continue Loop
			}
			if kept.Equal(*candidate) {
				continue Loop
			}
		}
		result = append(result, candidate)
	}
	return result
}
