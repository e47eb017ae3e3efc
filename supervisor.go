package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// watchSession is the part of MailboxWatcher the supervisor drives.
type watchSession interface {
	Label() string
	Run(ctx context.Context) error
	State() ConnectionState
	ForceClose()
}

// WatchSupervisor runs one watch session per configured mailbox and keeps
// their failures isolated: a fatal mailbox is recorded and reported, never
// propagated to its siblings. Sessions communicate completion through their
// Run return value only; there is no shared mutable state between them.
type WatchSupervisor struct {
	log      *zap.SugaredLogger
	sessions []watchSession

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	mu    sync.Mutex
	fatal map[string]error
}

func NewWatchSupervisor(log *zap.SugaredLogger, sessions []watchSession) *WatchSupervisor {
	return &WatchSupervisor{
		log:      log,
		sessions: sessions,
		fatal:    make(map[string]error),
	}
}

// Start launches every session in its own goroutine.
func (s *WatchSupervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group = new(errgroup.Group)
	for _, sess := range s.sessions {
		sess := sess
		s.group.Go(func() error {
			err := sess.Run(ctx)
			if err != nil {
				s.mu.Lock()
				s.fatal[sess.Label()] = err
				s.mu.Unlock()
				s.log.Errorf("%s: watch session ended: %s", sess.Label(), err)
			}
			// Never propagate: one mailbox's failure must not reach the
			// group or its siblings.
			return nil
		})
	}
	s.done = make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(s.done)
	}()
}

// Done is closed once every session has returned. With healthy mailboxes
// that only happens after Shutdown; it fires early when all went fatal.
func (s *WatchSupervisor) Done() <-chan struct{} { return s.done }

// Shutdown signals all sessions to end their IDLE wait gracefully and log
// out, waits up to grace, then forcibly tears down whatever is left.
func (s *WatchSupervisor) Shutdown(grace time.Duration) {
	s.cancel()
	select {
	case <-s.done:
		return
	case <-time.After(grace):
	}

	s.log.Warnf("shutdown grace period (%s) elapsed, closing remaining connections", grace)
	for _, sess := range s.sessions {
		sess.ForceClose()
	}
	select {
	case <-s.done:
	case <-time.After(grace):
		s.log.Error("sessions still running after forced teardown")
	}
}

// AllFatal reports whether every mailbox ended permanently failed. The
// process exit status reflects it.
func (s *WatchSupervisor) AllFatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) > 0 && len(s.fatal) == len(s.sessions)
}

// FatalCount returns how many mailboxes gave up.
func (s *WatchSupervisor) FatalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fatal)
}
