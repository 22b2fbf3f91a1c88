package agent

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/gortc/iceagent/candidate"
)

// ErrInvalidPair means that local and remote candidates can't be paired.
var ErrInvalidPair = errors.New("invalid pair")

// Pair wraps local and remote candidates.
type Pair struct {
	Local  *LocalCandidate
	Remote *candidate.Candidate

	state       PairState
	controlling bool
	priority    uint64 // cached, zero if invalidated
	nominated   bool
	result      *checkResult // outcome of finished ordinary check
}

// PairPriority computes the pair priority as defined in RFC 5245 Section 5.7.2,
// where g is priority of controlling agent candidate and d of controlled one.
func PairPriority(g, d uint64) uint64 {
	var (
		min, max = g, d
		x        uint64
	)
	if d < g {
		min, max = d, g
	}
	if g > d {
		x = 1
	}
	return min<<32 + 2*max + x
}

// ValidatePair returns error with ErrInvalidPair cause if candidates can't
// be paired: address families, component ids and link-local scopes must
// match.
func ValidatePair(local, remote *candidate.Candidate) error {
	if local.ComponentID != remote.ComponentID {
		return errors.Wrapf(ErrInvalidPair, "component %d != %d", local.ComponentID, remote.ComponentID)
	}
	if local.Addr.IsIPv4() != remote.Addr.IsIPv4() {
		return errors.Wrapf(ErrInvalidPair, "address family mismatch: %s, %s", local.Addr, remote.Addr)
	}
	if local.Addr.IsLinkLocal() != remote.Addr.IsLinkLocal() {
		return errors.Wrapf(ErrInvalidPair, "link-local mismatch: %s, %s", local.Addr, remote.Addr)
	}
	return nil
}

// NewPair validates candidates and returns new Frozen pair.
func NewPair(local *LocalCandidate, remote *candidate.Candidate, controlling bool) (*Pair, error) {
	if err := ValidatePair(&local.Candidate, remote); err != nil {
		return nil, err
	}
	return &Pair{
		Local:       local,
		Remote:      remote,
		controlling: controlling,
	}, nil
}

// State returns current pair state.
func (p *Pair) State() PairState { return p.state }

// Nominated reports whether pair was nominated.
func (p *Pair) Nominated() bool { return p.nominated }

// ComponentID returns component id of pair.
func (p *Pair) ComponentID() int { return p.Local.ComponentID }

// Priority returns pair priority, computing it if cached value was
// invalidated.
func (p *Pair) Priority() uint64 {
	if p.priority == 0 {
		g, d := p.Local.Priority, p.Remote.Priority
		if !p.controlling {
			g, d = d, g
		}
		p.priority = PairPriority(g, d)
	}
	return p.priority
}

// setControlling updates role of pair and invalidates cached priority.
func (p *Pair) setControlling(controlling bool) {
	if p.controlling == controlling {
		return
	}
	p.controlling = controlling
	p.priority = 0
}

// Foundation is combination of local and remote candidate foundations.
func (p *Pair) Foundation() string {
	return p.Local.Foundation + ":" + p.Remote.Foundation
}

// Equal reports whether pairs have equal local and remote candidates.
func (p *Pair) Equal(b *Pair) bool {
	if p == b {
		return true
	}
	if p == nil || b == nil {
		return false
	}
	return p.Local.Equal(b.Local.Candidate) && p.Remote.Equal(*b.Remote)
}

func (p *Pair) String() string {
	return fmt.Sprintf("%s -> %s [%s]", p.Local.Candidate, p.Remote, p.state)
}

type pairs []*Pair

func (p pairs) Len() int           { return len(p) }
func (p pairs) Less(i, j int) bool { return p[i].Priority() > p[j].Priority() }
func (p pairs) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

func (p pairs) find(b *Pair) *Pair {
	for _, existing := range p {
		if existing.Equal(b) {
			return existing
		}
	}
	return nil
}

// baseOf returns local candidate that is base of l. Derived candidates are
// replaced by their base when forming pairs.
func baseOf(l *LocalCandidate, locals []*LocalCandidate) *LocalCandidate {
	if l.Type == candidate.Local || l.Base == nil {
		return l
	}
	for _, b := range locals {
		if b.Type == candidate.Local && b.Addr.Equal(l.Base.Addr) && b.ComponentID == l.ComponentID {
			return b
		}
	}
	return &LocalCandidate{Candidate: *l.Base, Socket: l.Socket, Conn: l.Conn}
}

// FormPairs pairs every local candidate with every compatible remote one,
// replacing derived local candidates with their base. Result has no
// duplicates and is ordered by priority descending.
func FormPairs(locals []*LocalCandidate, remotes []*candidate.Candidate, controlling bool) []*Pair {
	var result pairs
	for _, l := range locals {
		local := baseOf(l, locals)
		for _, r := range remotes {
			p, err := NewPair(local, r, controlling)
			if err != nil {
				continue
			}
			if result.find(p) == nil {
				result = append(result, p)
			}
		}
	}
	sort.Stable(result)
	return result
}
