package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"sesrelay/internal/metrics"
	"sesrelay/internal/types"
)

const (
	// DefaultSendmailPath is the conventional location of the MTA entry point.
	DefaultSendmailPath = "/usr/bin/sendmail"

	// DefaultFinishTimeout bounds how long Finish waits for the MTA to exit.
	DefaultFinishTimeout = 15 * time.Second

	// DefaultSessionTimeout bounds a session from Begin until Finish or Abort.
	DefaultSessionTimeout = 5 * time.Minute
)

// SendmailConfig configures a Sendmail sink.
type SendmailConfig struct {
	// Path is the sendmail-compatible binary. Defaults to DefaultSendmailPath.
	Path string
	// Timeout bounds Finish. Defaults to DefaultFinishTimeout.
	Timeout time.Duration
	// SessionTimeout bounds the write phase: a session still open after it
	// has its process killed. Defaults to DefaultSessionTimeout.
	SessionTimeout time.Duration
	Logger         types.Logger
	Metrics        metrics.Recorder
}

// Sendmail delivers each message by running `sendmail -r <from> -i <rcpt>...`
// and writing the message to its standard input. An exit status of zero means
// the MTA accepted the message.
type Sendmail struct {
	path           string
	timeout        time.Duration
	sessionTimeout time.Duration
	logger         types.Logger
	metrics        metrics.Recorder
}

// NewSendmail creates a Sendmail sink.
func NewSendmail(cfg SendmailConfig) *Sendmail {
	s := &Sendmail{
		path:           cfg.Path,
		timeout:        cfg.Timeout,
		sessionTimeout: cfg.SessionTimeout,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if s.path == "" {
		s.path = DefaultSendmailPath
	}
	if s.timeout <= 0 {
		s.timeout = DefaultFinishTimeout
	}
	if s.sessionTimeout <= 0 {
		s.sessionTimeout = DefaultSessionTimeout
	}
	if s.logger == nil {
		s.logger = types.NewSlogLogger(nil)
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	return s
}

// Begin starts the MTA process. Until Finish or Abort is called, the process
// is killed if ctx ends or the session timeout passes, which unblocks a Write
// stuck on an MTA that stopped reading.
func (s *Sendmail) Begin(ctx context.Context, from string, recipients []string) (Session, error) {
	if err := validateAddresses(from, recipients); err != nil {
		return nil, err
	}

	args := append([]string{"-r", from, "-i"}, recipients...)
	cmd := exec.Command(s.path, args...)
	// Children of a killed MTA may keep its output pipes open.
	cmd.WaitDelay = time.Second

	sess := &sendmailSession{
		ctx:     ctx,
		sink:    s,
		cmd:     cmd,
		waitErr: make(chan error, 1),
		stop:    make(chan struct{}),
		expired: make(chan struct{}),
	}
	cmd.Stdout = &sess.stdout
	cmd.Stderr = &sess.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeDeliveryFailed, "failed to open sendmail stdin", err)
	}
	sess.stdin = stdin

	if err := cmd.Start(); err != nil {
		return nil, types.NewAppError(types.ErrCodeDeliveryFailed,
			fmt.Sprintf("failed to start %s", s.path), err)
	}

	go func() { sess.waitErr <- cmd.Wait() }()
	go sess.watch(s.sessionTimeout)

	s.logger.Debug("sendmail started",
		"pid", cmd.Process.Pid,
		"from", from,
		"recipients", recipients,
	)
	return sess, nil
}

type sendmailSession struct {
	ctx     context.Context
	sink    *Sendmail
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	waitErr chan error

	// stop ends the watchdog. expired is closed, after expireErr is set,
	// when the watchdog killed the process.
	stop      chan struct{}
	stopOnce  sync.Once
	expired   chan struct{}
	expireErr error

	mu     sync.Mutex
	closed bool
}

var errSessionClosed = errors.New("delivery: session already finished")

func (s *sendmailSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSessionClosed
	}
	n, err := s.stdin.Write(p)
	if err != nil {
		if expErr := s.expiry(); expErr != nil {
			return n, expErr
		}
	}
	return n, err
}

// watch kills the process when the session context ends or the session
// timeout passes before Finish or Abort.
func (s *sendmailSession) watch(limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-s.stop:
		return
	case <-timer.C:
		s.expireErr = types.NewAppError(types.ErrCodeDeliveryTimeout,
			fmt.Sprintf("sendmail session not finished within %s", limit), nil)
	case <-s.ctx.Done():
		s.expireErr = types.NewAppError(types.ErrCodeDeliveryFailed, "delivery cancelled", s.ctx.Err())
	}
	close(s.expired)

	s.sink.logger.Warn("killing sendmail process.", "pid", s.cmd.Process.Pid, "error", s.expireErr.Error())
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.sink.logger.Warn("failed killing delivery process.", "error", err.Error())
	}
}

func (s *sendmailSession) stopWatch() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// expiry returns the watchdog's error once it has killed the process.
func (s *sendmailSession) expiry() error {
	select {
	case <-s.expired:
		return s.expireErr
	default:
		return nil
	}
}

// Finish closes stdin and waits for the MTA to exit. On timeout, or if ctx
// ends first, the process is killed.
func (s *sendmailSession) Finish() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.closed = true
	s.mu.Unlock()
	s.stopWatch()

	// The exit status is authoritative; stdin may already be closed if the
	// MTA exited early.
	_ = s.stdin.Close()

	timer := time.NewTimer(s.sink.timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-s.waitErr:
	case <-timer.C:
		s.kill()
		return types.NewAppError(types.ErrCodeDeliveryTimeout,
			fmt.Sprintf("sendmail did not exit within %s, stdout=%q, stderr=%q",
				s.sink.timeout, s.stdout.String(), s.stderr.String()), nil)
	case <-s.ctx.Done():
		s.kill()
		return types.NewAppError(types.ErrCodeDeliveryFailed, "delivery cancelled", s.ctx.Err())
	}

	if waitErr != nil {
		if expErr := s.expiry(); expErr != nil {
			return expErr
		}
		returnCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			returnCode = exitErr.ExitCode()
		}
		return types.NewAppError(types.ErrCodeDeliveryFailed,
			fmt.Sprintf("failed delivery. returncode=%d, stdout=%q, stderr=%q",
				returnCode, s.stdout.String(), s.stderr.String()), waitErr)
	}

	s.sink.metrics.Inc(s.ctx, types.MetricReceived)
	return nil
}

// Abort kills the MTA so that nothing written is delivered.
func (s *sendmailSession) Abort() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.stopWatch()

	s.sink.logger.Info("exception during delivery, aborting process.", "pid", s.cmd.Process.Pid)
	s.kill()
}

// kill terminates the process and reaps it.
func (s *sendmailSession) kill() {
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.sink.logger.Warn("failed aborting delivery process.", "error", err.Error())
	}
	_ = s.stdin.Close()
	<-s.waitErr
}
