// Package runner executes external commands without a shell, with a
// hard timeout, cooperative cancellation and bounded output capture.
//
// It knows nothing about mergerfs or mounts. Higher layers depend on
// the Runner interface so they can be tested against scripted fakes.
package runner

import (
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/suwayomi/sourcemerge/ssm"
)

// Outcome classifies how a command invocation ended.
type Outcome byte

// Outcome values.
const (
	// Completed means the process ran and exited by itself. The exit
	// code and captured output are authoritative.
	Completed Outcome = iota
	// TimedOut means the process exceeded the request timeout and was
	// killed along with its process tree.
	TimedOut
	// Cancelled means the caller's context was cancelled before the
	// process exited; the process tree was killed.
	Cancelled
	// StartFailed means the process never started.
	StartFailed
)

var outcomeToString = []string{
	Completed:   "Completed",
	TimedOut:    "TimedOut",
	Cancelled:   "Cancelled",
	StartFailed: "StartFailed",
}

// String turns an Outcome into a string
func (o Outcome) String() string {
	if int(o) >= len(outcomeToString) {
		return "Unknown"
	}
	return outcomeToString[o]
}

// StartFailureKind refines a StartFailed outcome.
type StartFailureKind byte

// StartFailureKind values.
const (
	// StartFailureNone is set on any outcome other than StartFailed.
	StartFailureNone StartFailureKind = iota
	// ToolNotFound means the executable does not exist or is not on PATH.
	ToolNotFound
	// StartFailureOther covers every other reason the process could not
	// be started (permissions, resource limits, ...).
	StartFailureOther
)

// Request describes one command invocation.
type Request struct {
	Path           string        // executable name or path, resolved via PATH
	Args           []string      // arguments, passed verbatim (no shell)
	Timeout        time.Duration // hard limit on process run time
	PollInterval   time.Duration // how often cancellation is checked
	MaxOutputBytes int           // per-stream capture limit
}

func (req *Request) validate() error {
	if req.Path == "" {
		return errors.New("runner: request path must not be empty")
	}
	if req.Timeout <= 0 {
		return errors.Errorf("runner: timeout must be positive, got %v", req.Timeout)
	}
	if req.PollInterval <= 0 {
		return errors.Errorf("runner: poll interval must be positive, got %v", req.PollInterval)
	}
	if req.MaxOutputBytes <= 0 {
		return errors.Errorf("runner: max output bytes must be positive, got %d", req.MaxOutputBytes)
	}
	return nil
}

// Result is the outcome of one command invocation. It is a value: all
// runtime conditions (missing tool, non-zero exit, timeout) are
// reported here, never as an error.
type Result struct {
	Outcome         Outcome
	StartFailure    StartFailureKind
	StartError      string // human-readable start failure reason
	ExitCode        int    // valid only when Outcome == Completed
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Elapsed         time.Duration
}

// Succeeded reports whether the process ran to completion with exit
// code zero.
func (r *Result) Succeeded() bool {
	return r.Outcome == Completed && r.ExitCode == 0
}

// Runner runs external commands. Implementations must be safe for
// concurrent use.
type Runner interface {
	// Run executes req. The returned error is reserved for contract
	// violations in the request itself; every runtime condition is
	// reported through the Result.
	Run(ctx context.Context, req Request) (Result, error)
}

// Local runs commands as real OS processes.
type Local struct{}

// New returns a Runner executing real OS processes.
func New() *Local {
	return &Local{}
}

// limitWriter captures up to max bytes and drops (but counts as
// truncation) everything beyond that.
type limitWriter struct {
	buf       []byte
	max       int
	truncated bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	room := w.max - len(w.buf)
	if room > 0 {
		if len(p) <= room {
			w.buf = append(w.buf, p...)
		} else {
			w.buf = append(w.buf, p[:room]...)
			w.truncated = true
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	cmd := exec.Command(req.Path, req.Args...)
	stdout := &limitWriter{max: req.MaxOutputBytes}
	stderr := &limitWriter{max: req.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		kind := StartFailureOther
		if isNotFound(err) {
			kind = ToolNotFound
		}
		return Result{
			Outcome:      StartFailed,
			StartFailure: kind,
			StartError:   err.Error(),
			Elapsed:      time.Since(start),
		}, nil
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	finish := func(outcome Outcome) Result {
		// A process which completed during the race always wins over a
		// timeout or cancellation classification.
		select {
		case werr := <-waitCh:
			return l.completed(cmd, werr, stdout, stderr, start)
		default:
		}
		killTree(cmd)
		<-waitCh // reap
		ssm.Debugf(nil, "runner: killed %q after %v (%s)", req.Path, time.Since(start), outcome)
		return Result{
			Outcome:         outcome,
			Stdout:          string(stdout.buf),
			Stderr:          string(stderr.buf),
			StdoutTruncated: stdout.truncated,
			StderrTruncated: stderr.truncated,
			Elapsed:         time.Since(start),
		}
	}

	deadline := time.NewTimer(req.Timeout)
	defer deadline.Stop()
	poll := time.NewTicker(req.PollInterval)
	defer poll.Stop()

	for {
		select {
		case werr := <-waitCh:
			return l.completed(cmd, werr, stdout, stderr, start), nil
		case <-poll.C:
			if ctx.Err() != nil {
				return finish(Cancelled), nil
			}
		case <-ctx.Done():
			return finish(Cancelled), nil
		case <-deadline.C:
			return finish(TimedOut), nil
		}
	}
}

func (l *Local) completed(cmd *exec.Cmd, werr error, stdout, stderr *limitWriter, start time.Time) Result {
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if werr != nil {
		exitCode = -1
	}
	return Result{
		Outcome:         Completed,
		ExitCode:        exitCode,
		Stdout:          string(stdout.buf),
		Stderr:          string(stderr.buf),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Elapsed:         time.Since(start),
	}
}
