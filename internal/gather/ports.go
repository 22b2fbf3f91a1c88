package gather

import (
	"crypto/rand"
	"io"
	"math/big"
	mathRand "math/rand"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoPorts means that every port of range is busy.
var ErrNoPorts = errors.New("no free ports in range")

// PortRange selects random ports from [Min, Max] for host transports.
// Zero range means ephemeral ports.
type PortRange struct {
	Min  int
	Max  int
	Rand io.Reader // crypto/rand if nil
}

// Validate returns error if range is invalid.
func (r PortRange) Validate() error {
	if r.Min == 0 && r.Max == 0 {
		return nil
	}
	if r.Min <= 0 || r.Max > 65535 {
		return errors.Errorf("port range %d-%d is out of bounds", r.Min, r.Max)
	}
	if r.Min > r.Max {
		return errors.New("min port is larger than max port")
	}
	return nil
}

func (r PortRange) size() int {
	if r.Min == 0 && r.Max == 0 {
		return 0
	}
	return r.Max - r.Min + 1
}

// portPicker tracks ports of range already tried or taken.
type portPicker struct {
	mux   sync.Mutex
	r     PortRange
	taken map[int]bool
	free  []int
}

func newPortPicker(r PortRange) *portPicker {
	if r.Rand == nil {
		r.Rand = rand.Reader
	}
	return &portPicker{r: r, taken: make(map[int]bool)}
}

func (p *portPicker) randomFree() (int, bool) {
	// Assuming p.mux is locked.
	p.free = p.free[:0]
	for port := p.r.Min; port <= p.r.Max; port++ {
		if !p.taken[port] {
			p.free = append(p.free, port)
		}
	}
	if len(p.free) == 0 {
		return 0, false
	}
	i := 0
	// Trying to get cryptographically random port.
	n, err := rand.Int(p.r.Rand, big.NewInt(int64(len(p.free))))
	if err == nil {
		i = int(n.Int64())
	} else {
		// Falling back to pseudo-random.
		i = mathRand.Intn(len(p.free))
	}
	return p.free[i], true
}

// bind calls listen with random untried ports until it succeeds. Zero port
// is passed once for empty range.
func (p *portPicker) bind(listen func(port int) error) error {
	if p.r.size() == 0 {
		return listen(0)
	}
	var bindErr error
	for {
		p.mux.Lock()
		port, ok := p.randomFree()
		if ok {
			p.taken[port] = true
		}
		p.mux.Unlock()
		if !ok {
			if bindErr == nil {
				return ErrNoPorts
			}
			return errors.Wrap(ErrNoPorts, bindErr.Error())
		}
		err := listen(port)
		if err == nil {
			return nil
		}
		bindErr = err
	}
}
