// Package auth implements short-term credential authentication of ICE
// connectivity checks.
package auth

import (
	"strings"
	"sync"

	"github.com/gortc/stun"
	"github.com/pkg/errors"
)

// Possible authentication errors.
var (
	ErrFingerprint = errors.New("fingerprint check failed")
	ErrUsername    = errors.New("bad username")
	ErrIntegrity   = errors.New("integrity check failed")
)

// ShortTerm authenticates binding requests with local ICE credentials.
//
// Incoming USERNAME is "localUfrag:remoteUfrag", so the prefix before colon
// must match local username fragment, and MESSAGE-INTEGRITY is keyed by local
// password.
type ShortTerm struct {
	mux       sync.RWMutex
	ufrag     string
	integrity stun.MessageIntegrity
}

// NewShortTerm initializes and returns new short-term authenticator.
func NewShortTerm(ufrag, password string) *ShortTerm {
	s := new(ShortTerm)
	s.Set(ufrag, password)
	return s
}

// Set replaces local credentials, e.g. on ICE restart.
func (s *ShortTerm) Set(ufrag, password string) {
	s.mux.Lock()
	s.ufrag = ufrag
	s.integrity = stun.NewShortTermIntegrity(password)
	s.mux.Unlock()
}

// Auth authenticates request and returns integrity that should be used to
// sign the response.
func (s *ShortTerm) Auth(m *stun.Message) (stun.MessageIntegrity, error) {
	if m.Contains(stun.AttrFingerprint) {
		if err := stun.Fingerprint.Check(m); err != nil {
			return nil, errors.Wrap(ErrFingerprint, err.Error())
		}
	}
	var u stun.Username
	if err := u.GetFrom(m); err != nil {
		return nil, errors.Wrap(ErrUsername, err.Error())
	}
	s.mux.RLock()
	ufrag, i := s.ufrag, s.integrity
	s.mux.RUnlock()
	local := u.String()
	if colon := strings.IndexByte(local, ':'); colon >= 0 {
		local = local[:colon]
	}
	if local != ufrag {
		return nil, errors.Wrapf(ErrUsername, "unexpected %q", u.String())
	}
	if err := i.Check(m); err != nil {
		return nil, errors.Wrap(ErrIntegrity, err.Error())
	}
	return i, nil
}
