//go:build !windows
// +build !windows

package reload

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// subscribe requests reload on SIGUSR2 and SIGHUP.
func (n *Notifier) subscribe() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR2, syscall.SIGHUP)
	go func() {
		for s := range c {
			n.log.Info("got signal", zap.Stringer("signal", s))
			n.Notify()
		}
	}()
}
