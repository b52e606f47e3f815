// Package daemon provides the daemon command.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/okzk/sdnotify"
	"github.com/spf13/cobra"

	"github.com/suwayomi/sourcemerge/cmd"
	"github.com/suwayomi/sourcemerge/config"
	"github.com/suwayomi/sourcemerge/lib/exitcode"
	"github.com/suwayomi/sourcemerge/mergelib"
	"github.com/suwayomi/sourcemerge/ssm"
)

const (
	retryInitial = 5 * time.Second
	retryMax     = 2 * time.Minute
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
}

var commandDefinition = &cobra.Command{
	Use:   "daemon",
	Short: `Keep the mounts in sync until stopped.`,
	Long: `Run a reconciliation pass at startup and again whenever a source or
override directory changes (debounced), on every scan interval tick,
and immediately on SIGHUP. Passes that only hit busy conditions are
retried with exponential backoff.

When started under systemd with Type=notify the daemon reports
readiness and shutdown over the notify socket.`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cfg := cmd.LoadConfig()
		pass, err := cmd.NewPass(cfg)
		if err != nil {
			ssm.Errorf(nil, "%v", err)
			os.Exit(exitcode.UncategorizedError)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := run(ctx, pass, cfg); err != nil {
			ssm.Errorf(nil, "%v", err)
			os.Exit(exitcode.UncategorizedError)
		}
	},
}

// run is the daemon main loop. It returns when ctx is cancelled.
func run(ctx context.Context, pass *mergelib.Pass, cfg *config.Config) error {
	// The watcher is best effort: when inotify is unavailable the
	// daemon still converges on the scan interval.
	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		ssm.Logf(nil, "filesystem watching disabled: %v", err)
	} else {
		defer func() { _ = watcher.Close() }()
		for _, src := range pass.Sources {
			if err := watcher.Add(src.Path); err != nil {
				ssm.Logf(nil, "cannot watch source %s: %v", src.Name, err)
			}
		}
		for _, vol := range pass.OverrideVolumes {
			if err := watcher.Add(vol); err != nil {
				ssm.Logf(nil, "cannot watch override volume %s: %v", vol, err)
			}
		}
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	scan := time.NewTicker(cfg.ScanInterval.D())
	defer scan.Stop()

	// debounce fires immediately once for the startup pass, then only
	// after the configured quiet period following a burst of events.
	debounce := time.NewTimer(0)
	defer debounce.Stop()

	retry := time.NewTimer(time.Hour)
	stopTimer(retry)
	defer retry.Stop()
	retryDelay := retryInitial

	if err := sdnotify.Ready(); err != nil && err != sdnotify.ErrSdNotifyNoSocket {
		ssm.Errorf(nil, "failed to notify ready to systemd: %v", err)
	}
	defer func() { _ = sdnotify.Stopping() }()

	runPass := func(what string) {
		ssm.Infof(nil, "running pass (%s)", what)
		report, err := pass.Run(ctx, nil)
		if ctx.Err() != nil {
			return
		}
		stopTimer(retry)
		switch {
		case err != nil:
			ssm.Errorf(nil, "pass failed: %v", err)
			retry.Reset(retryDelay)
		case report.Outcome == mergelib.PassBusy || report.Outcome == mergelib.PassMixed:
			ssm.Logf(nil, "pass was busy, retrying in %v", retryDelay)
			retry.Reset(retryDelay)
			retryDelay *= 2
			if retryDelay > retryMax {
				retryDelay = retryMax
			}
		default:
			retryDelay = retryInitial
		}
	}

	for {
		select {
		case <-ctx.Done():
			ssm.Logf(nil, "daemon shutting down")
			return nil
		case <-debounce.C:
			runPass("change")
		case <-scan.C:
			runPass("scan interval")
		case <-hup:
			runPass("SIGHUP")
		case <-retry.C:
			runPass("retry")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			ssm.Debugf(nil, "filesystem event: %v", ev)
			stopTimer(debounce)
			debounce.Reset(cfg.DebounceDelay.D())
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			ssm.Logf(nil, "watch error: %v", err)
		}
	}
}

// stopTimer stops t and drains a pending tick so a later Reset cannot
// fire twice.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
