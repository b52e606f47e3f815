package mergelib

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/suwayomi/sourcemerge/lib/runner"
	"github.com/suwayomi/sourcemerge/ssm"
)

// ApplyOutcome classifies how applying one action went.
type ApplyOutcome byte

// ApplyOutcome values.
const (
	// ApplySuccess means the mount table now matches the action.
	ApplySuccess ApplyOutcome = iota
	// ApplyBusy is a transient, retry-worthy condition: the target was
	// busy, or the command timed out or was cancelled.
	ApplyBusy
	// ApplyFailure is a hard failure which retrying won't fix.
	ApplyFailure
)

var applyOutcomeToString = []string{
	ApplySuccess: "Success",
	ApplyBusy:    "Busy",
	ApplyFailure: "Failure",
}

// String turns an ApplyOutcome into a string
func (o ApplyOutcome) String() string {
	if int(o) >= len(applyOutcomeToString) {
		return "Unknown"
	}
	return applyOutcomeToString[o]
}

// ApplyResult is the outcome of applying one planned action.
type ApplyResult struct {
	Action     Action
	Outcome    ApplyOutcome
	Diagnostic string
}

// ProbeResult is the outcome of a mount readiness probe.
type ProbeResult struct {
	Ready      bool
	Diagnostic string
}

// Tool names invoked by the command service.
const (
	mergerfsTool    = "mergerfs"
	fusermount3Tool = "fusermount3"
	fusermountTool  = "fusermount"
	umountTool      = "umount"
	ioniceTool      = "ionice"
	niceTool        = "nice"
	listTool        = "ls"
)

// defaultThreadsOption is added to the mergerfs option string unless
// the configured base already carries a threads= token. The value
// matches existing deployments and is part of the contract.
const defaultThreadsOption = "threads=4"

// busyTokens mark a non-zero exit as transient rather than fatal.
// Matched case-insensitively against stderr (or stdout if stderr is
// empty).
var busyTokens = []string{
	"device or resource busy",
	"resource busy",
	"target is busy",
	"busy",
}

// badMountPointToken in mergerfs stderr earns the mount point one
// directory re-create and a single retry.
const badMountPointToken = "bad mount point"

// wrapperFallbackTokens mean the ionice/nice priority wrapper itself is
// unusable, so the cleanup command is retried unwrapped.
var wrapperFallbackTokens = []string{
	"not found",
	"no such file",
	"permission denied",
	"operation not permitted",
	"cap_sys_nice",
}

// commandMaxOutputBytes bounds captured output per stream.
const commandMaxOutputBytes = 256 * 1024

// CommandOptions configures a CommandService.
type CommandOptions struct {
	// MergerfsOptions is the base -o value for mergerfs mounts.
	MergerfsOptions string
	// Timeout bounds each external command invocation.
	Timeout time.Duration
	// PollInterval is how often cancellation is checked while waiting.
	PollInterval time.Duration
	// CleanupHighPriority wraps cleanup commands in ionice/nice.
	CleanupHighPriority bool
	// IoniceClass is the ionice scheduling class, 1 to 3.
	IoniceClass int
	// NiceValue is the nice level, -20 to 19.
	NiceValue int
}

// CommandService executes planned actions as real mergerfs and
// unmount tool invocations and classifies their outcomes. It holds no
// mutable state and is safe for concurrent use.
type CommandService struct {
	runner runner.Runner
	opt    CommandOptions
}

// NewCommandService validates opt and returns a CommandService
// executing through r. Out-of-range ionice/nice values are contract
// violations and fail here, never during a pass.
func NewCommandService(r runner.Runner, opt CommandOptions) (*CommandService, error) {
	if r == nil {
		return nil, errors.New("command service needs a runner")
	}
	if opt.Timeout == 0 {
		opt.Timeout = 30 * time.Second
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = 100 * time.Millisecond
	}
	if opt.Timeout < 0 || opt.PollInterval < 0 {
		return nil, errors.Errorf("command timeout and poll interval must be positive, got %v / %v", opt.Timeout, opt.PollInterval)
	}
	if opt.IoniceClass == 0 {
		opt.IoniceClass = 2
	}
	if opt.IoniceClass < 1 || opt.IoniceClass > 3 {
		return nil, errors.Errorf("ionice class must be 1 to 3, got %d", opt.IoniceClass)
	}
	if opt.NiceValue < -20 || opt.NiceValue > 19 {
		return nil, errors.Errorf("nice value must be -20 to 19, got %d", opt.NiceValue)
	}
	return &CommandService{runner: r, opt: opt}, nil
}

// ApplyAction executes one planned action. Runtime conditions (missing
// tools, busy targets, timeouts) are always reported in the result,
// never as a panic or error, so a pass can continue with the remaining
// actions.
func (s *CommandService) ApplyAction(ctx context.Context, action Action) ApplyResult {
	ssm.Infof(nil, "applying %v", action)
	switch action.Kind {
	case ActionMount:
		return s.mount(ctx, action)
	case ActionRemount:
		return s.remount(ctx, action)
	case ActionUnmount:
		return s.unmount(ctx, action)
	}
	return ApplyResult{
		Action:     action,
		Outcome:    ApplyFailure,
		Diagnostic: fmt.Sprintf("unknown action kind %d", action.Kind),
	}
}

// mount runs mergerfs. A "bad mount point" failure earns exactly one
// directory re-create and retry; a persistent problem must not be
// masked as a transient one.
func (s *CommandService) mount(ctx context.Context, action Action) ApplyResult {
	if action.Payload == "" || action.DesiredIdentity == "" {
		return ApplyResult{
			Action:     action,
			Outcome:    ApplyFailure,
			Diagnostic: "mount action is missing its branch specification or identity",
		}
	}
	if err := os.MkdirAll(action.MountPoint, 0o755); err != nil {
		return ApplyResult{
			Action:     action,
			Outcome:    ApplyFailure,
			Diagnostic: fmt.Sprintf("cannot create mount point: %v", err),
		}
	}
	options := s.composeMergerfsOptions(action.DesiredIdentity)
	args := []string{"-o", options, action.Payload, action.MountPoint}

	res := s.run(ctx, mergerfsTool, args)
	if isBadMountPoint(&res) {
		ssm.Logf(nil, "mergerfs reported a bad mount point at %q, re-creating the directory and retrying once", action.MountPoint)
		_ = os.Remove(action.MountPoint)
		if err := os.MkdirAll(action.MountPoint, 0o755); err != nil {
			return ApplyResult{
				Action:     action,
				Outcome:    ApplyFailure,
				Diagnostic: fmt.Sprintf("cannot re-create mount point: %v", err),
			}
		}
		res = s.run(ctx, mergerfsTool, args)
	}
	outcome, diag := classifyResult(&res)
	return ApplyResult{Action: action, Outcome: outcome, Diagnostic: diag}
}

// remount is unmount then mount; whichever phase fails decides the
// outcome and prefixes the diagnostic.
func (s *CommandService) remount(ctx context.Context, action Action) ApplyResult {
	unmountRes := s.unmount(ctx, action)
	if unmountRes.Outcome != ApplySuccess {
		return ApplyResult{
			Action:     action,
			Outcome:    unmountRes.Outcome,
			Diagnostic: "Remount unmount phase failed: " + unmountRes.Diagnostic,
		}
	}
	mountRes := s.mount(ctx, action)
	if mountRes.Outcome != ApplySuccess {
		return ApplyResult{
			Action:     action,
			Outcome:    mountRes.Outcome,
			Diagnostic: "Remount mount phase failed: " + mountRes.Diagnostic,
		}
	}
	return ApplyResult{Action: action, Outcome: ApplySuccess}
}

// unmount tries fusermount3, fusermount then lazy umount, stopping at
// the first success. A missing tool is skipped; a genuine failure
// outranks an earlier busy classification so a real error is never
// hidden behind transient noise.
func (s *CommandService) unmount(ctx context.Context, action Action) ApplyResult {
	attempts := []struct {
		path string
		args []string
	}{
		{fusermount3Tool, []string{"-uz", action.MountPoint}},
		{fusermountTool, []string{"-uz", action.MountPoint}},
		{umountTool, []string{"-l", action.MountPoint}},
	}

	failureDiag := ""
	busyDiag := ""
	for _, attempt := range attempts {
		res := s.runCleanup(ctx, attempt.path, attempt.args)
		if res.Outcome == runner.StartFailed && res.StartFailure == runner.ToolNotFound {
			ssm.Debugf(nil, "%s not found, trying next unmount tool", attempt.path)
			continue
		}
		outcome, diag := classifyResult(&res)
		switch outcome {
		case ApplySuccess:
			return ApplyResult{Action: action, Outcome: ApplySuccess}
		case ApplyBusy:
			if busyDiag == "" {
				busyDiag = fmt.Sprintf("%s: %s", attempt.path, diag)
			}
		default:
			if failureDiag == "" {
				failureDiag = fmt.Sprintf("%s: %s", attempt.path, diag)
			}
		}
	}
	switch {
	case failureDiag != "":
		return ApplyResult{Action: action, Outcome: ApplyFailure, Diagnostic: failureDiag}
	case busyDiag != "":
		return ApplyResult{Action: action, Outcome: ApplyBusy, Diagnostic: busyDiag}
	}
	return ApplyResult{
		Action:     action,
		Outcome:    ApplyFailure,
		Diagnostic: "no unmount command was available",
	}
}

// ProbeReadiness lists the mount point with its own timeout. A listing
// that hangs or errors marks the mount unhealthy.
func (s *CommandService) ProbeReadiness(ctx context.Context, mountPoint string, timeout time.Duration) ProbeResult {
	res, err := s.runner.Run(ctx, runner.Request{
		Path:           listTool,
		Args:           []string{"-A", mountPoint},
		Timeout:        timeout,
		PollInterval:   s.opt.PollInterval,
		MaxOutputBytes: commandMaxOutputBytes,
	})
	if err != nil {
		return ProbeResult{Ready: false, Diagnostic: err.Error()}
	}
	if res.Succeeded() {
		return ProbeResult{Ready: true}
	}
	return ProbeResult{Ready: false, Diagnostic: commandDiagnostic(&res)}
}

// run executes one command through the injected runner.
func (s *CommandService) run(ctx context.Context, path string, args []string) runner.Result {
	res, err := s.runner.Run(ctx, runner.Request{
		Path:           path,
		Args:           args,
		Timeout:        s.opt.Timeout,
		PollInterval:   s.opt.PollInterval,
		MaxOutputBytes: commandMaxOutputBytes,
	})
	if err != nil {
		// Request contract violation; surface it as a start failure so
		// classification still produces a typed result.
		return runner.Result{
			Outcome:      runner.StartFailed,
			StartFailure: runner.StartFailureOther,
			StartError:   err.Error(),
		}
	}
	return res
}

// runCleanup runs a cleanup command, first through the ionice/nice
// wrapper when configured. If the wrapper cannot start, is missing its
// tools or lacks CAP_SYS_NICE, the command silently falls back to its
// unwrapped form.
func (s *CommandService) runCleanup(ctx context.Context, path string, args []string) runner.Result {
	if !s.opt.CleanupHighPriority {
		return s.run(ctx, path, args)
	}
	wrapped := append([]string{
		fmt.Sprintf("-c%d", s.opt.IoniceClass),
		niceTool,
		fmt.Sprintf("-n%d", s.opt.NiceValue),
		path,
	}, args...)
	res := s.run(ctx, ioniceTool, wrapped)
	if res.Outcome == runner.StartFailed {
		ssm.Debugf(nil, "priority wrapper failed to start (%s), running %s unwrapped", res.StartError, path)
		return s.run(ctx, path, args)
	}
	if !res.Succeeded() && containsAnyToken(outputForClassification(&res), wrapperFallbackTokens) {
		ssm.Debugf(nil, "priority wrapper unusable, running %s unwrapped", path)
		return s.run(ctx, path, args)
	}
	return res
}

func (s *CommandService) composeMergerfsOptions(desiredIdentity string) string {
	options := strings.Trim(s.opt.MergerfsOptions, ", ")
	if !hasThreadsOption(options) {
		if options != "" {
			options += ","
		}
		options += defaultThreadsOption
	}
	return options + ",fsname=" + desiredIdentity
}

func hasThreadsOption(options string) bool {
	for _, opt := range strings.Split(options, ",") {
		if strings.HasPrefix(opt, "threads=") {
			return true
		}
	}
	return false
}

// classifyResult maps a raw command result onto the apply outcome:
// timeouts and cancellations count as busy, as does any exit whose
// output carries a busy token; everything else non-zero is a failure.
func classifyResult(res *runner.Result) (ApplyOutcome, string) {
	switch res.Outcome {
	case runner.TimedOut:
		return ApplyBusy, "command timed out"
	case runner.Cancelled:
		return ApplyBusy, "command was cancelled"
	case runner.StartFailed:
		return ApplyFailure, res.StartError
	}
	if res.ExitCode == 0 {
		return ApplySuccess, ""
	}
	if containsAnyToken(outputForClassification(res), busyTokens) {
		return ApplyBusy, commandDiagnostic(res)
	}
	return ApplyFailure, commandDiagnostic(res)
}

func isBadMountPoint(res *runner.Result) bool {
	return res.Outcome == runner.Completed && res.ExitCode != 0 &&
		strings.Contains(strings.ToLower(res.Stderr), badMountPointToken)
}

// outputForClassification is stderr, or stdout when stderr is empty.
func outputForClassification(res *runner.Result) string {
	if strings.TrimSpace(res.Stderr) != "" {
		return res.Stderr
	}
	return res.Stdout
}

func containsAnyToken(output string, tokens []string) bool {
	output = strings.ToLower(output)
	for _, token := range tokens {
		if strings.Contains(output, token) {
			return true
		}
	}
	return false
}

// commandDiagnostic renders a human-readable reason from a finished
// command, preferring stderr.
func commandDiagnostic(res *runner.Result) string {
	switch res.Outcome {
	case runner.TimedOut:
		return "command timed out"
	case runner.Cancelled:
		return "command was cancelled"
	case runner.StartFailed:
		return res.StartError
	}
	out := strings.TrimSpace(outputForClassification(res))
	if out == "" {
		return fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", res.ExitCode, out)
}
