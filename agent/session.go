package agent

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
)

// IceAttributes are session-level ICE attributes.
type IceAttributes struct {
	Ufrag    string `json:"ufrag"`
	Password string `json:"pwd"`
	Lite     bool   `json:"lite,omitempty"`
}

// MediaDescription lists candidates of one socket as values of "candidate"
// attribute.
type MediaDescription struct {
	Socket     string   `json:"socket"`
	Components int      `json:"components,omitempty"`
	Candidates []string `json:"candidates"`
}

// SessionUpdate is offer or answer exchanged with peer by signaling.
//
// Connection is default connection address. The "0.0.0.0" value requests
// ICE restart.
type SessionUpdate struct {
	Connection string             `json:"connection"`
	ICE        IceAttributes      `json:"ice"`
	Media      []MediaDescription `json:"media"`
}

// restartConnection is Connection value that signals ICE restart.
const restartConnection = "0.0.0.0"

// Signaler delivers local session updates to peer.
type Signaler interface {
	UpdateMedia(ctx context.Context, u SessionUpdate) error
}

// Credentials are ICE username fragment and password.
type Credentials struct {
	Ufrag    string
	Password string
}

const (
	ufragLength    = 4
	passwordLength = 22
)

func randomHex(r io.Reader, n int) (string, error) {
	buf := make([]byte, (n+1)/2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "failed to read random")
	}
	return hex.EncodeToString(buf)[:n], nil
}

// NewCredentials generates random credentials from r, using crypto/rand if
// r is nil.
func NewCredentials(r io.Reader) (Credentials, error) {
	if r == nil {
		r = rand.Reader
	}
	var (
		c   Credentials
		err error
	)
	if c.Ufrag, err = randomHex(r, ufragLength); err != nil {
		return c, err
	}
	if c.Password, err = randomHex(r, passwordLength); err != nil {
		return c, err
	}
	return c, nil
}

// NewTieBreaker generates random tie-breaker from r, using crypto/rand if
// r is nil.
func NewTieBreaker(r io.Reader) (uint64, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, errors.Wrap(err, "failed to read random")
	}
	return binary.BigEndian.Uint64(buf), nil
}
