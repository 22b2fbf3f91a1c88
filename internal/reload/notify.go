// Package reload implements configuration reload notifications.
package reload

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Notifier implements config reload request notification.
//
// Requests are coalesced: C has capacity of one and Notify does not block
// if request is already pending.
type Notifier struct {
	log *zap.Logger
	C   chan struct{}
}

// Notify about options reload request.
func (n *Notifier) Notify() {
	n.log.Info("notify")
	select {
	case n.C <- struct{}{}:
	default:
		n.log.Debug("reload already pending")
	}
}

// NewNotifier initializes and returns new notifier that is also notified
// by SIGUSR2 where supported.
func NewNotifier(l *zap.Logger) *Notifier {
	n := &Notifier{log: l, C: make(chan struct{}, 1)}
	n.subscribe()
	return n
}

// Watch notifies n on every write to file until stop is closed. Directory
// of file is watched to survive atomic replacement by editors.
func (n *Notifier) Watch(file string, stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	file = filepath.Clean(file)
	if err = w.Add(filepath.Dir(file)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "failed to watch")
	}
	n.log.Info("watching config", zap.String("path", file))
	go func() {
		defer func() {
			if closeErr := w.Close(); closeErr != nil {
				n.log.Warn("failed to close watcher", zap.Error(closeErr))
			}
		}()
		for {
			select {
			case <-stop:
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != file {
					continue
				}
				if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				n.log.Info("config changed", zap.Stringer("op", e.Op))
				n.Notify()
			case watchErr, ok := <-w.Errors:
				if !ok {
					return
				}
				n.log.Warn("watch failed", zap.Error(watchErr))
			}
		}
	}()
	return nil
}
