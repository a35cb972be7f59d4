package sorter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mtfss/internal/config"
	"github.com/tracyhatemice/mtfss/internal/folders"
	"github.com/tracyhatemice/mtfss/internal/mailbox"
	"github.com/tracyhatemice/mtfss/internal/metrics"
	"github.com/tracyhatemice/mtfss/internal/recipient"
	"github.com/tracyhatemice/mtfss/internal/routing"
)

// State is the lifecycle state of a Loop.
type State int

const (
	Idle State = iota
	Connecting
	Sweeping
	Sleeping
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Sweeping:
		return "sweeping"
	case Sleeping:
		return "sleeping"
	case Terminated:
		return "terminated"
	default:
		return "idle"
	}
}

// Stats are the aggregate counts of one Run.
type Stats struct {
	Routed     map[routing.Kind]int
	Failed     int
	Reconnects int
	Sweeps     int
}

// Total returns the number of messages moved out of the inbox.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.Routed {
		n += c
	}
	return n
}

// Loop sorts one mailbox. It owns its session and folder cache exclusively;
// run one Loop per mailbox.
type Loop struct {
	cfg       *config.Config
	dial      mailbox.Dialer
	extractor *recipient.Extractor
	logger    *slog.Logger

	// minBackoff is the lower bound on the wait between reconnect attempts.
	minBackoff time.Duration

	state   State
	session mailbox.Session
	folders *folders.Manager
	stats   Stats
}

// New creates a Loop for cfg that opens sessions with dial.
func New(cfg *config.Config, dial mailbox.Dialer, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:        cfg,
		dial:       dial,
		extractor:  recipient.NewExtractor(cfg.EnvelopeHeaders...),
		logger:     logger,
		minBackoff: time.Second,
		stats:      Stats{Routed: make(map[routing.Kind]int)},
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return l.state
}

func (l *Loop) setState(s State) {
	if l.state == s {
		return
	}
	l.logger.Debug("state change", "from", l.state, "to", s)
	l.state = s
}

// Run connects and sweeps the inbox until ctx is cancelled, or once when
// RunOnce is set. A failure to connect at startup, an authentication failure
// on reconnect, or exhausting the reconnect budget is returned as an error;
// cancellation is a clean stop.
func (l *Loop) Run(ctx context.Context) (Stats, error) {
	l.logger.Info("starting sorter",
		"server", l.cfg.Server,
		"username", l.cfg.Username,
		"primary_domain", l.cfg.PrimaryDomain,
		"interval", l.cfg.PollInterval(),
		"run_once", l.cfg.RunOnce,
		"headers", l.extractor.Headers(),
	)
	defer l.closeSession()

	l.setState(Connecting)
	if err := l.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return l.terminate(nil)
		}
		return l.terminate(fmt.Errorf("connect: %w", err))
	}

	for {
		l.setState(Sweeping)
		err := l.sweep(ctx)
		if errors.Is(err, mailbox.ErrStoreUnavailable) {
			l.logger.Error("store unavailable, reconnecting", "error", err)
			l.stats.Reconnects++
			metrics.Reconnects.Inc()
			metrics.Sweeps.WithLabelValues("aborted").Inc()
			l.closeSession()

			if err := l.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return l.terminate(nil)
				}
				return l.terminate(err)
			}
			continue
		}
		if err != nil || ctx.Err() != nil {
			return l.terminate(nil)
		}

		if l.cfg.RunOnce {
			return l.terminate(nil)
		}

		l.setState(Sleeping)
		if !sleep(ctx, l.cfg.PollInterval()) {
			return l.terminate(nil)
		}
	}
}

func (l *Loop) terminate(err error) (Stats, error) {
	l.setState(Terminated)
	l.closeSession()

	attrs := []any{
		"failed", l.stats.Failed,
		"reconnects", l.stats.Reconnects,
		"sweeps", l.stats.Sweeps,
	}
	for _, k := range routing.Kinds {
		attrs = append(attrs, k.String(), l.stats.Routed[k])
	}
	if err != nil {
		l.logger.Error("sorter stopped", append(attrs, "error", err)...)
	} else {
		l.logger.Info("sorter stopped", attrs...)
	}
	return l.stats, err
}

func (l *Loop) connect(ctx context.Context) error {
	session, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.session = session
	l.folders = folders.NewManager(session, l.logger)
	return nil
}

// reconnect waits the poll interval before every attempt.
func (l *Loop) reconnect(ctx context.Context) error {
	delay := max(l.cfg.PollInterval(), l.minBackoff)
	for attempt := 1; ; attempt++ {
		l.setState(Sleeping)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}

		l.setState(Connecting)
		err := l.connect(ctx)
		if err == nil {
			l.logger.Info("reconnected", "attempt", attempt)
			return nil
		}
		if errors.Is(err, mailbox.ErrAuthenticationFailed) {
			return fmt.Errorf("reconnect: %w", err)
		}
		l.logger.Error("reconnect failed", "attempt", attempt, "error", err)
		if limit := l.cfg.MaxReconnectAttempts; limit > 0 && attempt >= limit {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", attempt, err)
		}
	}
}

func (l *Loop) closeSession() {
	if l.session == nil {
		return
	}
	if err := l.session.Close(); err != nil {
		l.logger.Warn("close session failed", "error", err)
	}
	l.session = nil
	l.folders = nil
}

// sweep routes every message currently in the inbox. Only
// ErrStoreUnavailable and cancellation end it early.
func (l *Loop) sweep(ctx context.Context) error {
	l.folders.Reset()
	if err := l.folders.EnsureLayout(); err != nil {
		if errors.Is(err, mailbox.ErrStoreUnavailable) {
			return err
		}
		l.logger.Warn("ensure folder layout failed", "error", err)
	}

	handles, err := l.session.ListNew()
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		l.logger.Debug("no new messages")
	} else {
		l.logger.Info(fmt.Sprintf("processing %d new message(s)", len(handles)))
	}

	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			l.logger.Info("stop requested, ending sweep early")
			return err
		}

		stage, err := l.process(h)
		if err == nil {
			continue
		}
		if errors.Is(err, mailbox.ErrStoreUnavailable) {
			return err
		}
		l.stats.Failed++
		metrics.MessageFailures.WithLabelValues(stage).Inc()
		l.logger.Error("message left in inbox", "uid", h, "stage", stage, "error", err)
	}

	l.stats.Sweeps++
	metrics.Sweeps.WithLabelValues("ok").Inc()
	metrics.LastSweepTimestamp.SetToCurrentTime()
	return nil
}

// process routes one message and reports the stage that failed, if any.
func (l *Loop) process(h mailbox.Handle) (string, error) {
	hdr, err := l.session.FetchHeader(h)
	if err != nil {
		return "fetch", err
	}

	var addr *recipient.Address
	if a, ok := l.extractor.Extract(hdr); ok {
		addr = &a
	} else {
		l.logger.Warn("no recipient address found", "uid", h)
	}

	decision, err := routing.Route(addr, l.cfg.PrimaryDomain, l.folders)
	if err != nil {
		return "route", err
	}

	if decision.Kind == routing.Ignore {
		if err := l.folders.EnsureUserFolderRemoved(decision.User); err != nil {
			if errors.Is(err, mailbox.ErrStoreUnavailable) {
				return "ignore", err
			}
			// The message still belongs in the ignore folder.
			l.logger.Warn("remove folder of ignored user failed", "user", decision.User, "error", err)
		}
	}

	if err := l.folders.EnsureFolderExists(decision.Folder); err != nil {
		return "create", err
	}
	if err := l.session.Move(h, decision.Folder); err != nil {
		return "move", err
	}

	l.stats.Routed[decision.Kind]++
	metrics.MessagesRouted.WithLabelValues(decision.Kind.String()).Inc()
	l.logger.Info("moved", "uid", h, "folder", decision.Folder, "kind", decision.Kind)
	return "", nil
}

// sleep waits for d and reports whether the wait completed without ctx
// being cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
