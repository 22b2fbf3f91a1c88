package candidate

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformed means that candidate attribute value can't be parsed.
var ErrMalformed = errors.New("malformed candidate")

// possible attribute keys.
const (
	aType           = "typ"
	aRelatedAddress = "raddr"
	aRelatedPort    = "rport"
)

const mandatoryElements = 8 // including "typ" and its value

// Marshal returns value of "candidate" attribute for c:
//
//	foundation component transport priority address port typ type [raddr base-addr rport base-port]
//
// Related address is only written for non-host candidates.
func (c Candidate) Marshal() string {
	b := make([]byte, 0, 96)
	b = append(b, c.Foundation...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(c.ComponentID), 10)
	b = append(b, ' ')
	b = append(b, c.Transport.String()...)
	b = append(b, ' ')
	b = strconv.AppendUint(b, c.Priority, 10)
	b = append(b, ' ')
	b = append(b, c.Addr.IP.String()...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(c.Addr.Port), 10)
	b = append(b, " "+aType+" "...)
	b = append(b, c.Type.String()...)
	if c.Type != Local {
		if related := c.BaseAddr(); !related.Equal(c.Addr) {
			b = append(b, " "+aRelatedAddress+" "...)
			b = append(b, related.IP.String()...)
			b = append(b, " "+aRelatedPort+" "...)
			b = strconv.AppendInt(b, int64(related.Port), 10)
		}
	}
	return string(b)
}

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

func parseIP(v string) (net.IP, error) {
	ip := net.ParseIP(v)
	if ip == nil {
		return nil, malformed("bad address %q", v)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip, nil
}

func parsePort(v string) (int, error) {
	p, err := strconv.Atoi(v)
	if err != nil || p < 0 || p > 65535 {
		return 0, malformed("bad port %q", v)
	}
	return p, nil
}

// Parse decodes value of "candidate" attribute. The "a=" and "candidate:"
// prefixes are optional. Unknown extension attributes are ignored.
//
// Returned error has ErrMalformed cause if v can't be parsed.
func Parse(v string) (Candidate, error) {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "a=")
	v = strings.TrimPrefix(v, "candidate:")
	fields := strings.Fields(v)
	if len(fields) < mandatoryElements {
		return Candidate{}, malformed("%d elements (< %d)", len(fields), mandatoryElements)
	}
	var (
		c   Candidate
		err error
	)
	c.Foundation = fields[0]
	if c.ComponentID, err = strconv.Atoi(fields[1]); err != nil || c.ComponentID < 1 || c.ComponentID > 256 {
		return Candidate{}, malformed("bad component id %q", fields[1])
	}
	switch strings.ToLower(fields[2]) {
	case "udp":
		c.Transport = UDP
	case "tcp":
		c.Transport = TCP
	default:
		return Candidate{}, malformed("unknown transport %q", fields[2])
	}
	if c.Priority, err = strconv.ParseUint(fields[3], 10, 32); err != nil {
		return Candidate{}, malformed("bad priority %q", fields[3])
	}
	if c.Addr.IP, err = parseIP(fields[4]); err != nil {
		return Candidate{}, err
	}
	if c.Addr.Port, err = parsePort(fields[5]); err != nil {
		return Candidate{}, err
	}
	if fields[6] != aType {
		return Candidate{}, malformed("expected %q, got %q", aType, fields[6])
	}
	t, ok := parseType(fields[7])
	if !ok {
		return Candidate{}, malformed("unknown candidate type %q", fields[7])
	}
	c.Type = t
	rest := fields[mandatoryElements:]
	for i := 0; i+1 < len(rest); i += 2 {
		switch rest[i] {
		case aRelatedAddress:
			if c.Related.IP, err = parseIP(rest[i+1]); err != nil {
				return Candidate{}, err
			}
		case aRelatedPort:
			if c.Related.Port, err = parsePort(rest[i+1]); err != nil {
				return Candidate{}, err
			}
		}
	}
	if len(rest)%2 != 0 {
		return Candidate{}, malformed("dangling attribute %q", rest[len(rest)-1])
	}
	return c, nil
}
