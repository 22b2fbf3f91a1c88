package agent

import "sort"

// Checklist is ordered list of candidate pairs of one socket with nomination
// state.
type Checklist struct {
	Socket     string
	Components int

	pairs     pairs
	nominated map[int]*Pair
	used      map[*Pair]bool // pairs that USE-CANDIDATE was sent for
	confirmed map[*Pair]bool // pairs that USE-CANDIDATE was acknowledged for
	inFlight  int
}

func newChecklist(s Socket) *Checklist {
	return &Checklist{
		Socket:     s.Name,
		Components: s.Components,
		nominated:  make(map[int]*Pair),
		used:       make(map[*Pair]bool),
		confirmed:  make(map[*Pair]bool),
	}
}

// add appends pair if list has no equal one and returns the pair from list.
func (c *Checklist) add(p *Pair) (*Pair, bool) {
	if existing := c.pairs.find(p); existing != nil {
		return existing, false
	}
	c.pairs = append(c.pairs, p)
	return p, true
}

// order sorts pairs by priority descending.
func (c *Checklist) order() { sort.Stable(c.pairs) }

func (c *Checklist) count(s PairState) int {
	n := 0
	for _, p := range c.pairs {
		if p.state == s {
			n++
		}
	}
	return n
}

func (c *Checklist) firstWaiting() *Pair {
	for _, p := range c.pairs {
		if p.state == Waiting {
			return p
		}
	}
	return nil
}

// unfreezeLowestComponent moves every Frozen pair of the lowest component
// id having Frozen pairs to Waiting.
func (c *Checklist) unfreezeLowestComponent() {
	lowest := 0
	for _, p := range c.pairs {
		if p.state != Frozen {
			continue
		}
		if lowest == 0 || p.ComponentID() < lowest {
			lowest = p.ComponentID()
		}
	}
	if lowest == 0 {
		return
	}
	for _, p := range c.pairs {
		if p.state == Frozen && p.ComponentID() == lowest {
			p.state = Waiting
		}
	}
}

// failed reports whether list has pairs and all of them failed.
func (c *Checklist) failed() bool {
	return len(c.pairs) > 0 && c.count(PairFailed) == len(c.pairs)
}

// complete reports whether every component has nominated pair.
func (c *Checklist) complete() bool {
	if c.Components <= 0 {
		return false
	}
	for id := 1; id <= c.Components; id++ {
		if c.nominated[id] == nil {
			return false
		}
	}
	return true
}

// best returns highest priority Succeeded pair per component.
func (c *Checklist) best() map[int]*Pair {
	result := make(map[int]*Pair)
	for _, p := range c.pairs {
		if p.state != Succeeded {
			continue
		}
		if _, ok := result[p.ComponentID()]; !ok {
			result[p.ComponentID()] = p
		}
	}
	return result
}

func (c *Checklist) contains(p *Pair) bool {
	for _, existing := range c.pairs {
		if existing == p {
			return true
		}
	}
	return false
}
