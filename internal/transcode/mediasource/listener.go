package mediasource

import (
	"context"
	"log/slog"
)

// SupervisorControl is the subset of *supervisor.Supervisor the listener
// needs, kept narrow so tests can fake it without building a real
// Supervisor.
type SupervisorControl interface {
	HasTask(app, stream string) bool
	StartTranscode(app, stream string, templates []string, inputURL string) bool
	StopTranscodeByStream(app, stream string) bool
}

// Listener subscribes to a Bus and drives the supervisor's task
// lifecycle off registration events. No-readers events are logged only:
// transcoding doesn't depend on whether anyone is watching.
type Listener struct {
	bus        Bus
	supervisor SupervisorControl
	logger     *slog.Logger
}

// NewListener builds a Listener. logger may be nil, in which case
// slog.Default() is used.
func NewListener(bus Bus, supervisor SupervisorControl, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{bus: bus, supervisor: supervisor, logger: logger}
}

// Run subscribes to both topics and processes events until ctx is
// canceled. It blocks, so callers typically run it in its own goroutine.
func (l *Listener) Run(ctx context.Context) error {
	mediaChanged, err := l.bus.SubscribeMediaChanged(ctx)
	if err != nil {
		return err
	}
	noReaders, err := l.bus.SubscribeNoReaders(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-mediaChanged:
			if !ok {
				return nil
			}
			l.handleMediaChanged(event)
		case event, ok := <-noReaders:
			if !ok {
				return nil
			}
			l.handleNoReaders(event)
		}
	}
}

func (l *Listener) handleMediaChanged(event MediaChangedEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("media-changed handler panicked", "recover", r, "app", event.App, "stream", event.Stream)
		}
	}()

	if event.Registered {
		if l.supervisor.HasTask(event.App, event.Stream) {
			return
		}
		if !l.supervisor.StartTranscode(event.App, event.Stream, nil, "") {
			l.logger.Debug("no rule matched registered source, skipping auto-start", "app", event.App, "stream", event.Stream)
		}
		return
	}

	if l.supervisor.HasTask(event.App, event.Stream) {
		l.supervisor.StopTranscodeByStream(event.App, event.Stream)
	}
}

func (l *Listener) handleNoReaders(event NoReadersEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("no-readers handler panicked", "recover", r, "app", event.App, "stream", event.Stream)
		}
	}()
	l.logger.Debug("source has no readers, transcoding continues", "app", event.App, "stream", event.Stream)
}
