package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// ConnectionState enumerates the phases of one mailbox session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateTLSNegotiating
	StateAuthenticating
	StateSelectingFolder
	StateIdling
	StateReconnecting
	StateFatal
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateTLSNegotiating:
		return "tls-negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateSelectingFolder:
		return "selecting-folder"
	case StateIdling:
		return "idling"
	case StateReconnecting:
		return "reconnecting"
	case StateFatal:
		return "fatal"
	}
	return "unknown"
}

// sessionEvent triggers a state transition.
type sessionEvent int

const (
	eventStart sessionEvent = iota
	eventDialed
	eventDialedPlain
	eventTLSDone
	eventAuthenticated
	eventAuthFailed
	eventAuthExhausted
	eventSelected
	eventFolderLost
	eventChange
	eventConnectionLost
	eventRefresh
	eventBackoffElapsed
	eventShutdown
)

func (ev sessionEvent) String() string {
	switch ev {
	case eventStart:
		return "start"
	case eventDialed:
		return "dialed"
	case eventDialedPlain:
		return "dialed-plain"
	case eventTLSDone:
		return "tls-done"
	case eventAuthenticated:
		return "authenticated"
	case eventAuthFailed:
		return "auth-failed"
	case eventAuthExhausted:
		return "auth-exhausted"
	case eventSelected:
		return "selected"
	case eventFolderLost:
		return "folder-lost"
	case eventChange:
		return "change"
	case eventConnectionLost:
		return "connection-lost"
	case eventRefresh:
		return "refresh"
	case eventBackoffElapsed:
		return "backoff-elapsed"
	case eventShutdown:
		return "shutdown"
	}
	return "unknown"
}

// transition is the pure transition function of the session state machine.
// It returns the next state and whether the event is legal in the given
// state. Shutdown is legal everywhere and always releases the session.
func transition(s ConnectionState, ev sessionEvent) (ConnectionState, bool) {
	if ev == eventShutdown {
		return StateDisconnected, true
	}
	switch s {
	case StateDisconnected:
		if ev == eventStart {
			return StateConnecting, true
		}
	case StateConnecting:
		switch ev {
		case eventDialed:
			return StateTLSNegotiating, true
		case eventDialedPlain:
			return StateAuthenticating, true
		case eventConnectionLost:
			return StateReconnecting, true
		}
	case StateTLSNegotiating:
		switch ev {
		case eventTLSDone:
			return StateAuthenticating, true
		case eventConnectionLost:
			return StateReconnecting, true
		}
	case StateAuthenticating:
		switch ev {
		case eventAuthenticated:
			return StateSelectingFolder, true
		case eventAuthFailed, eventConnectionLost:
			return StateReconnecting, true
		case eventAuthExhausted:
			return StateFatal, true
		}
	case StateSelectingFolder:
		switch ev {
		case eventSelected:
			return StateIdling, true
		case eventConnectionLost:
			return StateReconnecting, true
		case eventFolderLost:
			return StateFatal, true
		}
	case StateIdling:
		switch ev {
		case eventChange:
			return StateIdling, true
		case eventConnectionLost, eventRefresh:
			return StateReconnecting, true
		}
	case StateReconnecting:
		if ev == eventBackoffElapsed {
			return StateConnecting, true
		}
	}
	return s, false
}

const (
	keepAliveInterval = 5 * time.Minute
	// reconnectAfter bounds how long one connection is reused before a full
	// reconnect, as IMAP servers tend to drop long-lived sessions silently.
	reconnectAfter  = 10 * time.Minute
	backoffBase     = 5 * time.Second
	backoffCap      = 5 * time.Minute
	maxAuthFailures = 3
	// maxSelectFailures bounds retries of a folder that will not open. IMAP
	// gives no reliable signal whether the folder is missing or just
	// temporarily unavailable, so repeated refusal is treated as missing.
	maxSelectFailures = 3
	updatesBuffer     = 128
)

// callbackSink is the part of CallbackRunner the watcher needs.
type callbackSink interface {
	Enqueue(inv CallbackInvocation)
}

// messageNotifier raises an out-of-band notification for a new message.
type messageNotifier interface {
	NotifyNewMessage(conf MailboxConfig, msg *imap.Message)
}

// MailboxWatcher owns one mailbox session end to end: connect, negotiate
// encryption, authenticate, select the folder, idle for server pushes,
// classify reported messages and drive the callback runner. Watchers share
// nothing mutable with each other.
type MailboxWatcher struct {
	log       *zap.SugaredLogger
	conf      MailboxConfig
	connector *TLSConnector
	detector  *NewMessageDetector
	runner    callbackSink
	notifier  messageNotifier
	backoff   *backoff

	authFailures   int
	selectFailures int

	mu     sync.Mutex
	state  ConnectionState
	client *client.Client
}

func NewMailboxWatcher(log *zap.SugaredLogger, conf MailboxConfig, runner callbackSink, notifier messageNotifier) *MailboxWatcher {
	return &MailboxWatcher{
		log:       log,
		conf:      conf,
		connector: NewTLSConnector(log, conf),
		detector:  &NewMessageDetector{ignoreRecent: conf.IgnoreRecentFlag},
		runner:    runner,
		notifier:  notifier,
		backoff:   newBackoff(backoffBase, backoffCap),
		state:     StateDisconnected,
	}
}

func (w *MailboxWatcher) Label() string { return w.conf.Name }

// State returns the current session state. Safe to call from other
// goroutines; only the watcher itself mutates it.
func (w *MailboxWatcher) State() ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// apply feeds one event into the state machine. Events that are not legal
// in the current state are ignored with a debug trace.
func (w *MailboxWatcher) apply(ev sessionEvent) {
	w.mu.Lock()
	next, ok := transition(w.state, ev)
	prev := w.state
	w.state = next
	w.mu.Unlock()
	if !ok {
		w.log.Debugf("%s: ignoring event %s in state %s", w.conf.Name, ev, prev)
		return
	}
	if prev != next {
		w.log.Debugf("%s: %s -> %s (%s)", w.conf.Name, prev, next, ev)
	}
}

// ForceClose tears the connection down without the IDLE termination
// sequence. The supervisor uses it when the shutdown grace period elapses.
func (w *MailboxWatcher) ForceClose() {
	w.mu.Lock()
	c := w.client
	w.mu.Unlock()
	if c != nil {
		_ = c.Terminate()
	}
}

func (w *MailboxWatcher) setClient(c *client.Client) {
	w.mu.Lock()
	w.client = c
	w.mu.Unlock()
}

// Run drives the session until ctx is cancelled or the mailbox fails
// permanently. It returns nil on clean shutdown and a FatalError when the
// mailbox gave up; any other failure reconnects with backoff.
func (w *MailboxWatcher) Run(ctx context.Context) error {
	w.apply(eventStart)
	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			w.apply(eventShutdown)
			w.log.Infof("%s: session closed", w.conf.Name)
			return nil
		}
		var fatal *FatalError
		if errors.As(err, &fatal) {
			w.log.Errorf("%s: giving up: %s", w.conf.Name, err)
			return err
		}

		var wait time.Duration
		if err != nil {
			w.log.Errorf("%s: session ended: %s", w.conf.Name, err)
			wait = w.backoff.Next()
			w.log.Infof("%s: reconnecting in %s", w.conf.Name, wait.Round(time.Millisecond))
		} else {
			w.backoff.Reset()
		}

		select {
		case <-ctx.Done():
			w.apply(eventShutdown)
			w.log.Infof("%s: session closed", w.conf.Name)
			return nil
		case <-time.After(wait):
			w.apply(eventBackoffElapsed)
		}
	}
}

// session runs one connection lifetime. On return the state machine is in
// Reconnecting (recoverable failure or forced refresh), Fatal, or whatever
// state shutdown interrupted.
func (w *MailboxWatcher) session(ctx context.Context) error {
	c, err := w.connect()
	if err != nil {
		return err
	}
	w.setClient(c)
	defer func() {
		w.setClient(nil)
		_ = c.Logout()
	}()

	if err := w.login(c); err != nil {
		return err
	}
	if err := w.selectFolder(c); err != nil {
		return err
	}
	return w.idle(ctx, c)
}

func (w *MailboxWatcher) connect() (*client.Client, error) {
	w.log.Debugf("%s: connecting to %s...", w.conf.Name, w.conf.Addr())
	if w.conf.Encryption != EncryptionNone {
		// For implicit TLS the handshake happens during dial, so the two
		// phases collapse into one connector call.
		w.apply(eventDialed)
	}
	c, err := w.connector.Connect()
	if err != nil {
		w.apply(eventConnectionLost)
		return nil, err
	}
	if w.conf.Encryption == EncryptionNone {
		w.apply(eventDialedPlain)
	} else {
		w.apply(eventTLSDone)
	}
	w.log.Debugf("%s: connected", w.conf.Name)
	return c, nil
}

func (w *MailboxWatcher) login(c *client.Client) error {
	if w.conf.Username == "" {
		w.log.Debugf("%s: no credentials configured, skipping login", w.conf.Name)
		w.apply(eventAuthenticated)
		return nil
	}
	if err := c.Login(w.conf.Username, w.conf.Password); err != nil {
		w.authFailures++
		if w.authFailures >= maxAuthFailures {
			w.apply(eventAuthExhausted)
			return &FatalError{
				Reason: fmt.Sprintf("authentication failed %d times", w.authFailures),
				Err:    &AuthenticationError{Err: err},
			}
		}
		w.apply(eventAuthFailed)
		return &AuthenticationError{Err: err}
	}
	w.authFailures = 0
	w.apply(eventAuthenticated)
	w.log.Debugf("%s: logged in as %s", w.conf.Name, w.conf.Username)
	return nil
}

func (w *MailboxWatcher) selectFolder(c *client.Client) error {
	status, err := c.Select(w.conf.Folder, true)
	if err != nil {
		w.selectFailures++
		if w.selectFailures >= maxSelectFailures {
			w.apply(eventFolderLost)
			return &FatalError{
				Reason: fmt.Sprintf("folder %q refused %d times", w.conf.Folder, w.selectFailures),
				Err:    err,
			}
		}
		w.apply(eventConnectionLost)
		return &ProtocolError{Op: "select", Err: err}
	}
	w.selectFailures = 0
	w.apply(eventSelected)
	w.syncMarker(status)
	return nil
}

// syncMarker reconciles the marker with the folder's UIDVALIDITY. On a new
// epoch the baseline moves to the current highest UID, so mail that predates
// the watch never fires a callback.
func (w *MailboxWatcher) syncMarker(status *imap.MailboxStatus) {
	if status.UidValidity == w.detector.UIDValidity() {
		return
	}
	baseline := uint32(0)
	if status.UidNext > 0 {
		baseline = status.UidNext - 1
	}
	if prev := w.detector.UIDValidity(); prev != 0 {
		w.log.Warnf("%s: UIDVALIDITY changed (%d -> %d), resetting marker to UID %d",
			w.conf.Name, prev, status.UidValidity, baseline)
	} else {
		w.log.Debugf("%s: marker baseline UID %d (UIDVALIDITY %d)",
			w.conf.Name, baseline, status.UidValidity)
	}
	w.detector.Reset(status.UidValidity, baseline)
}

// idle holds the connection in IDLE until the server pushes a change, the
// keep-alive interval cycles the command, the refresh deadline forces a
// reconnect, or the connection dies.
func (w *MailboxWatcher) idle(ctx context.Context, c *client.Client) error {
	updates := make(chan client.Update, updatesBuffer)
	c.Updates = updates

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	refresh := time.NewTimer(reconnectAfter)
	defer refresh.Stop()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- c.Idle(stop, nil) }()
	w.log.Infof("%s: idling on folder %q", w.conf.Name, w.conf.Folder)

	// stopIdle issues the IDLE termination sequence and waits for the
	// command to finish.
	stopIdle := func() error {
		close(stop)
		return <-done
	}
	restartIdle := func() {
		stop = make(chan struct{})
		go func() { done <- c.Idle(stop, nil) }()
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Debugf("%s: shutdown requested, leaving IDLE", w.conf.Name)
			if err := stopIdle(); err != nil {
				w.log.Debugf("%s: idle ended with: %s", w.conf.Name, err)
			}
			return nil

		case update := <-updates:
			if err := stopIdle(); err != nil {
				w.apply(eventConnectionLost)
				return &ConnectionError{Op: "idle", Err: err}
			}
			// Drop unsolicited responses triggered by our own commands;
			// checkNewMessages re-reads the folder state anyway.
			c.Updates = nil
			if err := w.handleUpdate(c, update); err != nil {
				w.apply(eventConnectionLost)
				return err
			}
			w.apply(eventChange)
			// A delivered update proves the connection healthy; only now may
			// the next failure start over at the base interval.
			w.backoff.Reset()
			updates = make(chan client.Update, updatesBuffer)
			c.Updates = updates
			restartIdle()

		case <-keepAlive.C:
			w.log.Debugf("%s: keep-alive, cycling IDLE", w.conf.Name)
			if err := stopIdle(); err != nil {
				w.apply(eventConnectionLost)
				return &ConnectionError{Op: "idle keep-alive", Err: err}
			}
			w.backoff.Reset()
			restartIdle()

		case <-refresh.C:
			w.log.Infof("%s: connection is %s old, forcing reconnect", w.conf.Name, reconnectAfter)
			if err := stopIdle(); err != nil {
				w.log.Debugf("%s: idle ended with: %s", w.conf.Name, err)
			}
			w.apply(eventRefresh)
			return nil

		case err := <-done:
			// IDLE ended without being asked to: connection lost or
			// server-initiated close.
			w.apply(eventConnectionLost)
			if err == nil {
				err = errors.New("idle terminated by server")
			}
			return &ConnectionError{Op: "idle", Err: err}
		}
	}
}

func (w *MailboxWatcher) handleUpdate(c *client.Client, update client.Update) error {
	switch update.(type) {
	case *client.MailboxUpdate:
		return w.checkNewMessages(c)
	case *client.ExpungeUpdate:
		// Expunges never invalidate the UIDs of remaining messages.
		return nil
	default:
		return nil
	}
}

// checkNewMessages enumerates messages above the marker and hands eligible
// ones to the callback runner in UID order.
func (w *MailboxWatcher) checkNewMessages(c *client.Client) error {
	// Re-select for a fresh UIDVALIDITY before trusting the marker.
	status, err := c.Select(w.conf.Folder, true)
	if err != nil {
		return &ProtocolError{Op: "select", Err: err}
	}
	if status.UidValidity != w.detector.UIDValidity() {
		w.syncMarker(status)
		return nil
	}

	last := w.detector.LastUID()
	seqset := new(imap.SeqSet)
	seqset.AddRange(last+1, 0)

	messages := make(chan *imap.Message, 10)
	fetchDone := make(chan error, 1)
	go func() {
		fetchDone <- c.UidFetch(seqset,
			[]imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchEnvelope},
			messages)
	}()

	var fetched []*imap.Message
	for msg := range messages {
		// "N:*" still matches the newest message when nothing is new, so
		// the range has to be re-checked here.
		if msg.Uid > last {
			fetched = append(fetched, msg)
		}
	}
	if err := <-fetchDone; err != nil {
		return &ProtocolError{Op: "uid fetch", Err: err}
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Uid < fetched[j].Uid })
	w.processMessages(fetched)
	return nil
}

// processMessages applies the eligibility rule per message, in UID order.
// The marker only moves past a UID after the triggering decision for it has
// been made, so a crash in between cannot silently skip a message.
func (w *MailboxWatcher) processMessages(msgs []*imap.Message) {
	for _, msg := range msgs {
		if w.detector.Eligible(msg.Uid, msg.Flags) {
			w.log.Infof("%s: new message UID %d %q", w.conf.Name, msg.Uid, subjectOf(msg))
			if w.conf.OnNewMessage != "" {
				w.runner.Enqueue(CallbackInvocation{
					Mailbox: w.conf.Name,
					Command: w.conf.OnNewMessage,
					Env:     ComposeEnvironment(w.conf, msg.Uid, msg.Envelope),
					UID:     msg.Uid,
					Subject: subjectOf(msg),
				})
			}
			if w.notifier != nil {
				w.notifier.NotifyNewMessage(w.conf, msg)
			}
		} else {
			w.log.Debugf("%s: ignoring message UID %d (not new)", w.conf.Name, msg.Uid)
		}
		w.detector.Advance(msg.Uid)
	}
}

func subjectOf(msg *imap.Message) string {
	if msg.Envelope == nil {
		return ""
	}
	return msg.Envelope.Subject
}
