// Package filter implements candidate address filtering.
package filter

import (
	"net"
	"strings"

	"github.com/pkg/errors"

	"github.com/gortc/iceagent/candidate"
)

// Action is possible action that can be applied to address.
type Action byte

var actionToStr = map[Action]string{
	Pass:  "pass",
	Allow: "allow",
	Deny:  "deny",
}

func (a Action) String() string {
	return actionToStr[a]
}

// Possible action list.
const (
	Pass Action = iota
	Allow
	Deny
)

// ErrUnknownAction means that action string can't be parsed.
var ErrUnknownAction = errors.New("unknown action")

// ParseAction parses action name, accepting common synonyms.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow", "accept":
		return Allow, nil
	case "drop", "forbid", "deny", "block":
		return Deny, nil
	case "pass", "none", "":
		return Pass, nil
	default:
		return Pass, errors.Wrap(ErrUnknownAction, s)
	}
}

type subnetRule struct {
	action Action
	net    *net.IPNet
}

func (r subnetRule) Action(addr candidate.Addr) Action {
	if r.net.Contains(addr.IP) {
		return r.action
	}
	return Pass
}

// AllowNet allows any address from subnet.
func AllowNet(subnet string) (Rule, error) {
	return StaticNetRule(Allow, subnet)
}

// ForbidNet blocks any address from subnet.
func ForbidNet(subnet string) (Rule, error) {
	return StaticNetRule(Deny, subnet)
}

// StaticNetRule returns static rule for provided subnet that will apply
// action to it.
func StaticNetRule(action Action, subnet string) (Rule, error) {
	_, parsedNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, errors.Wrapf(err, "bad subnet %q", subnet)
	}
	return subnetRule{action: action, net: parsedNet}, nil
}

type allowAll struct{}

func (allowAll) Action(addr candidate.Addr) Action { return Allow }

// AllowAll is Rule that always returns Allow.
var AllowAll Rule = allowAll{}

// Rule represents filtering rule.
type Rule interface {
	Action(addr candidate.Addr) Action
}

// List is list of rules with default action.
type List struct {
	action Action
	rules  []Rule
}

// Action implements Rule.
//
// Returns first matched rule from list or default action if none found.
// Matched is rule that returned Allow or Deny action (not "Pass").
func (f *List) Action(addr candidate.Addr) Action {
	for i := range f.rules {
		a := f.rules[i].Action(addr)
		if a == Pass {
			continue
		}
		return a
	}
	return f.action
}

// Allowed reports whether addr is allowed. Nil list allows everything.
func (f *List) Allowed(addr candidate.Addr) bool {
	if f == nil {
		return true
	}
	return f.Action(addr) == Allow
}

// NewFilter initializes and returns new List with provided default action
// and rule list.
func NewFilter(action Action, rules ...Rule) *List { return &List{rules: rules, action: action} }

// RawRule is rule as it appears in configuration.
type RawRule struct {
	Net    string `mapstructure:"net"`
	Action string `mapstructure:"action"`
}

// Parse builds list from default action and raw rules. Default action
// can't be "pass" and is "allow" if empty.
func Parse(defaultAction string, raw []RawRule) (*List, error) {
	action := Allow
	if defaultAction != "" {
		a, err := ParseAction(defaultAction)
		if err != nil {
			return nil, err
		}
		if a == Pass {
			return nil, errors.New("default action cannot be pass")
		}
		action = a
	}
	rules := make([]Rule, 0, len(raw))
	for _, r := range raw {
		a, err := ParseAction(r.Action)
		if err != nil {
			return nil, err
		}
		rule, err := StaticNetRule(a, r.Net)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return NewFilter(action, rules...), nil
}
