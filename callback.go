package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"go.uber.org/zap"
)

// callbackQueueSize bounds how many invocations may wait per mailbox before
// Enqueue blocks the watcher.
const callbackQueueSize = 64

// CallbackInvocation carries everything needed to launch the configured
// command for one qualifying message. The environment is fully composed up
// front, so it can be inspected before the process starts.
type CallbackInvocation struct {
	Mailbox string
	Command string
	Env     map[string]string
	UID     uint32
	Subject string
}

// CallbackRunner launches callback commands. Invocations for one mailbox
// run strictly in FIFO order, one process at a time, matching message
// arrival order; different mailboxes run independently.
//
// Enqueue after Close drops the invocation with a warning; it never blocks
// forever and never panics.
type CallbackRunner struct {
	log  *zap.SugaredLogger
	done chan struct{}

	mu     sync.Mutex
	queues map[string]chan CallbackInvocation
	closed bool
	wg     sync.WaitGroup
}

func NewCallbackRunner(log *zap.SugaredLogger) *CallbackRunner {
	return &CallbackRunner{
		log:    log,
		done:   make(chan struct{}),
		queues: make(map[string]chan CallbackInvocation),
	}
}

// Enqueue hands an invocation to the mailbox's worker, starting the worker
// on first use. It blocks only while the mailbox already has
// callbackQueueSize invocations waiting; Close releases any blocked caller.
func (r *CallbackRunner) Enqueue(inv CallbackInvocation) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Warnf("%s: dropping callback for UID %d: runner closed", inv.Mailbox, inv.UID)
		return
	}
	q, ok := r.queues[inv.Mailbox]
	if !ok {
		q = make(chan CallbackInvocation, callbackQueueSize)
		r.queues[inv.Mailbox] = q
		r.wg.Add(1)
		go r.worker(q)
	}
	r.mu.Unlock()

	select {
	case q <- inv:
	case <-r.done:
		r.log.Warnf("%s: dropping callback for UID %d: runner closed", inv.Mailbox, inv.UID)
	}
}

// Close stops accepting invocations and waits up to grace for the workers to
// drain and for in-flight processes to exit on their own. Stragglers are
// abandoned, never killed. Queue channels are never closed, so a concurrent
// Enqueue cannot hit a closed channel.
func (r *CallbackRunner) Close(grace time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		r.log.Warnf("callbacks still running after %s, abandoning them", grace)
	}
}

func (r *CallbackRunner) worker(q chan CallbackInvocation) {
	defer r.wg.Done()
	for {
		select {
		case inv := <-q:
			r.run(inv)
		case <-r.done:
			// Drain what was already queued, then stop.
			for {
				select {
				case inv := <-q:
					r.run(inv)
				default:
					return
				}
			}
		}
	}
}

// run launches one callback process from the daemon's own working directory
// and observes its output and exit status for logging only.
func (r *CallbackRunner) run(inv CallbackInvocation) {
	cmd := exec.Command(inv.Command)
	cmd.Env = flattenEnv(inv.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	wd, _ := os.Getwd()
	r.log.Infof("%s: running %q for UID %d from %q", inv.Mailbox, inv.Command, inv.UID, wd)

	err := cmd.Run()
	if out := strings.TrimSpace(stdout.String()); out != "" {
		r.log.Debugf("%s: callback stdout: %s", inv.Mailbox, out)
	}
	if out := strings.TrimSpace(stderr.String()); out != "" {
		r.log.Debugf("%s: callback stderr: %s", inv.Mailbox, out)
	}
	if err != nil {
		r.log.Errorf("%s: callback %q failed: %s", inv.Mailbox, inv.Command, err)
		return
	}
	r.log.Debugf("%s: callback %q finished for UID %d", inv.Mailbox, inv.Command, inv.UID)
}

// ComposeEnvironment builds the callback environment for one message: the
// daemon's own environment, then the configured env_* extras, then the
// fixed mailbox and message variables. Fixed variables win on collision.
func ComposeEnvironment(conf MailboxConfig, uid uint32, envelope *imap.Envelope) map[string]string {
	env := make(map[string]string, len(conf.Env)+24)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range conf.Env {
		env[k] = v
	}

	var date, subject, messageID, inReplyTo string
	var from, sender, to *imap.Address
	if envelope != nil {
		if !envelope.Date.IsZero() {
			date = envelope.Date.Format(time.RFC3339)
		}
		subject = strings.TrimSpace(envelope.Subject)
		messageID = envelope.MessageId
		inReplyTo = envelope.InReplyTo
		from = firstAddress(envelope.From)
		sender = firstAddress(envelope.Sender)
		to = firstAddress(envelope.To)
	}
	author := from
	if author == nil {
		author = sender
	}

	env["MAILBOX"] = conf.Name
	env["MAILBOX_HOST"] = conf.Host
	env["MAILBOX_FOLDER"] = conf.Folder
	env["MESSAGE_UID"] = strconv.FormatUint(uint64(uid), 10)
	env["MESSAGE_ID"] = messageID
	env["MESSAGE_REPLY_TO_ID"] = inReplyTo
	env["MESSAGE_DATE"] = date
	env["MESSAGE_SUBJECT"] = subject
	setAddressVars(env, "MESSAGE_AUTHOR", author)
	setAddressVars(env, "MESSAGE_FROM", from)
	setAddressVars(env, "MESSAGE_SENDER", sender)
	setAddressVars(env, "MESSAGE_TO", to)
	return env
}

func setAddressVars(env map[string]string, key string, addr *imap.Address) {
	var full, name, mail string
	if addr != nil {
		name = strings.TrimSpace(addr.PersonalName)
		if addr.MailboxName != "" && addr.HostName != "" {
			mail = addr.Address()
		}
		switch {
		case name != "" && mail != "":
			full = fmt.Sprintf("%s <%s>", name, mail)
		case mail != "":
			full = mail
		default:
			full = name
		}
	}
	env[key] = full
	env[key+"_NAME"] = name
	env[key+"_MAIL"] = mail
}

func firstAddress(addrs []*imap.Address) *imap.Address {
	if len(addrs) == 0 {
		return nil
	}
	return addrs[0]
}

// flattenEnv renders the environment map as sorted KEY=VALUE pairs for
// os/exec.
func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
