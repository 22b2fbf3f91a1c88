// Package binding implements STUN Binding messages used by ICE connectivity
// checks: request and response building and response classification.
package binding

import (
	"github.com/gortc/ice"
	"github.com/gortc/stun"
	"github.com/pkg/errors"

	"github.com/gortc/iceagent/candidate"
)

// Realm is the fixed REALM value sent in binding requests.
var Realm = stun.NewRealm("iceagent")

var software = stun.NewSoftware("gortc/iceagent")

// Request describes outgoing connectivity check.
type Request struct {
	LocalUfrag   string
	RemoteUfrag  string
	Password     string // remote password, MESSAGE-INTEGRITY key
	Priority     uint32 // peer-reflexive priority of local candidate
	Controlling  bool
	TieBreaker   uint64
	UseCandidate bool
}

// Username returns USERNAME attribute value for request.
func (r Request) Username() string { return r.RemoteUfrag + ":" + r.LocalUfrag }

// Build returns encoded binding request with new transaction id.
func (r Request) Build() (*stun.Message, error) {
	setters := []stun.Setter{
		stun.TransactionID, stun.BindingRequest,
		stun.NewUsername(r.Username()),
		Realm,
		ice.PriorityAttr(r.Priority),
	}
	if r.Controlling {
		setters = append(setters, ice.AttrControlling(r.TieBreaker))
	} else {
		setters = append(setters, ice.AttrControlled(r.TieBreaker))
	}
	if r.UseCandidate {
		setters = append(setters, ice.UseCandidate)
	}
	setters = append(setters,
		stun.NewShortTermIntegrity(r.Password),
		stun.Fingerprint,
	)
	m, err := stun.Build(setters...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build binding request")
	}
	return m, nil
}

// Decode decodes raw into new message, copying the buffer.
func Decode(raw []byte) (*stun.Message, error) {
	m := &stun.Message{
		Raw: append(make([]byte, 0, len(raw)), raw...),
	}
	if err := m.Decode(); err != nil {
		return nil, errors.Wrap(err, "failed to decode")
	}
	return m, nil
}

// Inbound holds ICE attributes of incoming binding request.
type Inbound struct {
	Priority     uint32
	UseCandidate bool
	Controlling  bool // ICE-CONTROLLING present
	Controlled   bool // ICE-CONTROLLED present
	TieBreaker   uint64
}

// ParseRequest reads ICE attributes from binding request.
func ParseRequest(m *stun.Message) (Inbound, error) {
	var (
		in       Inbound
		priority ice.PriorityAttr
	)
	switch err := priority.GetFrom(m); err {
	case nil:
		in.Priority = uint32(priority)
	case stun.ErrAttributeNotFound:
	default:
		return in, errors.Wrap(err, "bad PRIORITY")
	}
	in.UseCandidate = ice.UseCandidate.IsSet(m)
	if m.Contains(stun.AttrICEControlling) {
		var c ice.AttrControlling
		if err := c.GetFrom(m); err != nil {
			return in, errors.Wrap(err, "bad ICE-CONTROLLING")
		}
		in.Controlling = true
		in.TieBreaker = uint64(c)
	}
	if m.Contains(stun.AttrICEControlled) {
		var c ice.AttrControlled
		if err := c.GetFrom(m); err != nil {
			return in, errors.Wrap(err, "bad ICE-CONTROLLED")
		}
		in.Controlled = true
		in.TieBreaker = uint64(c)
	}
	return in, nil
}

// Success builds binding success response for request, reflecting the
// source address of request.
func Success(req *stun.Message, source candidate.Addr, integrity stun.MessageIntegrity) (*stun.Message, error) {
	return stun.Build(req, stun.BindingSuccess,
		software,
		&stun.XORMappedAddress{IP: source.IP, Port: source.Port},
		integrity,
		stun.Fingerprint,
	)
}

var roleConflictReason = []byte("Role Conflict")

// RoleConflict builds 487 (Role Conflict) error response that carries tie-breaker
// of responding agent.
func RoleConflict(req *stun.Message, controlling bool, tieBreaker uint64, integrity stun.MessageIntegrity) (*stun.Message, error) {
	var role stun.Setter = ice.AttrControlled(tieBreaker)
	if controlling {
		role = ice.AttrControlling(tieBreaker)
	}
	return stun.Build(req, stun.BindingError,
		software,
		&stun.ErrorCodeAttribute{Code: stun.CodeRoleConflict, Reason: roleConflictReason},
		role,
		integrity,
		stun.Fingerprint,
	)
}

// ErrUnexpectedClass means that message is not a response.
var ErrUnexpectedClass = errors.New("unexpected message class")

// Result is classified binding response.
type Result struct {
	Success bool
	Mapped  candidate.Addr // XOR-MAPPED-ADDRESS of success response
	Code    int            // error code of error response

	// Tie-breaker of peer from ICE-CONTROLLING or ICE-CONTROLLED of error
	// response, if any.
	TieBreaker    uint64
	HasTieBreaker bool
}

// ParseResponse checks FINGERPRINT and MESSAGE-INTEGRITY (keyed by remote
// password) of response and classifies it.
func ParseResponse(m *stun.Message, password string) (Result, error) {
	var r Result
	if m.Type.Class != stun.ClassSuccessResponse && m.Type.Class != stun.ClassErrorResponse {
		return r, ErrUnexpectedClass
	}
	if m.Contains(stun.AttrFingerprint) {
		if err := stun.Fingerprint.Check(m); err != nil {
			return r, errors.Wrap(err, "fingerprint check failed")
		}
	}
	if err := stun.NewShortTermIntegrity(password).Check(m); err != nil {
		return r, errors.Wrap(err, "integrity check failed")
	}
	if m.Type.Class == stun.ClassSuccessResponse {
		var addr stun.XORMappedAddress
		if err := addr.GetFrom(m); err != nil {
			return r, errors.Wrap(err, "failed to get XOR-MAPPED-ADDRESS")
		}
		r.Success = true
		r.Mapped = candidate.Addr{IP: addr.IP, Port: addr.Port}
		return r, nil
	}
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err != nil {
		return r, errors.Wrap(err, "failed to get ERROR-CODE")
	}
	r.Code = int(code.Code)
	var (
		controlling ice.AttrControlling
		controlled  ice.AttrControlled
	)
	if err := controlling.GetFrom(m); err == nil {
		r.TieBreaker, r.HasTieBreaker = uint64(controlling), true
	} else if err = controlled.GetFrom(m); err == nil {
		r.TieBreaker, r.HasTieBreaker = uint64(controlled), true
	}
	return r, nil
}
