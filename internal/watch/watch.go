// Package watch wakes the pipelines early when a directory drop site changes.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	glog "github.com/goliatone/go-logger/glog"
)

// Target is one directory drop site and the file names that matter in it.
type Target struct {
	Dir          string
	RequestFile  string
	FeedbackFile string
	SourceFile   string
}

type signal int

const (
	signalNone signal = iota
	signalIngest
	signalExport
)

// Watcher turns file events into coalesced wake signals. A pending signal
// absorbs further events until the loop consumes it.
type Watcher struct {
	fs      *fsnotify.Watcher
	targets map[string][]Target
	ingest  chan struct{}
	export  chan struct{}
	logger  glog.Logger
}

func New(targets []Target, logger glog.Logger) (*Watcher, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("watch: no targets")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		fs:      fsw,
		targets: map[string][]Target{},
		ingest:  make(chan struct{}, 1),
		export:  make(chan struct{}, 1),
		logger:  glog.Ensure(logger),
	}
	for _, t := range targets {
		dir := filepath.Clean(t.Dir)
		if _, seen := w.targets[dir]; !seen {
			if err := fsw.Add(dir); err != nil {
				_ = fsw.Close()
				return nil, fmt.Errorf("watch %s: %w", dir, err)
			}
		}
		w.targets[dir] = append(w.targets[dir], t)
	}
	return w, nil
}

// Ingest fires when a data file was written.
func (w *Watcher) Ingest() <-chan struct{} {
	return w.ingest
}

// Export fires when a request file appeared or a feedback file was taken.
func (w *Watcher) Export() <-chan struct{} {
	return w.export
}

// Run forwards events until ctx ends, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	dir := filepath.Dir(filepath.Clean(event.Name))
	for _, t := range w.targets[dir] {
		switch classify(t, filepath.Base(event.Name), event.Op) {
		case signalIngest:
			w.logger.Debug("data file changed", "path", event.Name, "op", event.Op.String())
			notify(w.ingest)
			return
		case signalExport:
			w.logger.Debug("handshake file changed", "path", event.Name, "op", event.Op.String())
			notify(w.export)
			return
		}
	}
}

// classify matches names case-insensitively, like the drop site lookups.
func classify(t Target, name string, op fsnotify.Op) signal {
	switch {
	case strings.EqualFold(name, t.RequestFile) && (op.Has(fsnotify.Create) || op.Has(fsnotify.Write)):
		return signalExport
	case strings.EqualFold(name, t.FeedbackFile) && (op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)):
		return signalExport
	case strings.EqualFold(name, t.SourceFile) && (op.Has(fsnotify.Create) || op.Has(fsnotify.Write)):
		return signalIngest
	}
	return signalNone
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
