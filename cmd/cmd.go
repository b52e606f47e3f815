// Package cmd implements the sourcemerge command
//
// It is in a sub package so its internals can be re-used elsewhere
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/suwayomi/sourcemerge/config"
	"github.com/suwayomi/sourcemerge/lib/exitcode"
	"github.com/suwayomi/sourcemerge/lib/runner"
	"github.com/suwayomi/sourcemerge/lib/titles"
	"github.com/suwayomi/sourcemerge/mergelib"
	"github.com/suwayomi/sourcemerge/ssm"
)

// Globals
var (
	// Flags
	configPath string
	verbose    int
	quiet      bool
)

// Root is the main sourcemerge command
var Root = &cobra.Command{
	Use:   "sourcemerge",
	Short: "Merge manga source directories into mergerfs mounts - " + ssm.Version,
	Long: `sourcemerge keeps a tree of mergerfs mounts in sync with the titles
found in the configured manga source directories. Each title gets a
branch directory of symlinks (override volumes first, sources after,
ordered by priority) and a mergerfs mount named after the branch set,
so a changed branch set shows up as an identity mismatch and triggers
a remount.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(command *cobra.Command, args []string) {
		switch {
		case quiet:
			ssm.CurrentLogLevel = ssm.LogLevelError
		case verbose >= 2:
			ssm.CurrentLogLevel = ssm.LogLevelDebug
		case verbose == 1:
			ssm.CurrentLogLevel = ssm.LogLevelInfo
		}
		ssm.InitLogging()
	},
	Run: func(command *cobra.Command, args []string) {
		_ = command.Usage()
		_, _ = fmt.Fprintf(os.Stderr, "Command not found.\n")
		os.Exit(exitcode.UsageError)
	},
}

func init() {
	addFlags(Root.PersistentFlags())
}

func addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&configPath, "config", "", "", "Config file (default "+config.DefaultPath+", or $"+config.PathEnvVar+")")
	flagSet.CountVarP(&verbose, "verbose", "v", "Print lots more stuff (repeat for more)")
	flagSet.BoolVarP(&quiet, "quiet", "q", false, "Print as little stuff as possible")
	flagSet.VarP(&ssm.CurrentLogLevel, "log-level", "", "Log level DEBUG|INFO|NOTICE|ERROR")
}

// CheckArgs checks there are enough arguments and prints a message if not
func CheckArgs(MinArgs, MaxArgs int, cmd *cobra.Command, args []string) {
	if len(args) < MinArgs {
		_ = cmd.Usage()
		_, _ = fmt.Fprintf(os.Stderr, "Command %s needs %d arguments minimum: you provided %d non flag arguments: %q\n", cmd.Name(), MinArgs, len(args), args)
		os.Exit(exitcode.UsageError)
	} else if len(args) > MaxArgs {
		_ = cmd.Usage()
		_, _ = fmt.Fprintf(os.Stderr, "Command %s needs %d arguments maximum: you provided %d non flag arguments: %q\n", cmd.Name(), MaxArgs, len(args), args)
		os.Exit(exitcode.UsageError)
	}
}

// LoadConfig resolves the config file path and loads it, exiting with
// the config error status when it cannot be read or does not validate.
func LoadConfig() *config.Config {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		ssm.Errorf(nil, "%v", err)
		os.Exit(exitcode.ConfigError)
	}
	return cfg
}

// NewPass assembles a reconciliation pass from the config, sharing one
// process runner between mount-table snapshots and mount commands.
func NewPass(cfg *config.Config) (*mergelib.Pass, error) {
	run := runner.New()
	svc, err := mergelib.NewCommandService(run, mergelib.CommandOptions{
		MergerfsOptions:     cfg.MergerfsOptions,
		Timeout:             cfg.CommandTimeout.D(),
		PollInterval:        cfg.PollInterval.D(),
		CleanupHighPriority: cfg.CleanupHighPriority,
		IoniceClass:         cfg.IoniceClass,
		NiceValue:           cfg.NiceValue,
	})
	if err != nil {
		return nil, err
	}
	sources := make([]mergelib.SourceBranch, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, mergelib.SourceBranch{Name: src.Name, Path: src.Path})
	}
	return &mergelib.Pass{
		Planner:          mergelib.NewPlanner(mergelib.PriorityFunc(cfg.PriorityOrDefault)),
		Commands:         svc,
		Runner:           run,
		Normalizer:       &titles.FoldNormalizer{},
		Sources:          sources,
		OverrideVolumes:  cfg.OverrideVolumes,
		BranchLinksRoot:  cfg.BranchLinksRoot,
		MountRoot:        cfg.MountRoot,
		HealthChecks:     cfg.HealthChecks,
		PruneBranchLinks: cfg.PruneBranchLinks,
		SnapshotTimeout:  cfg.CommandTimeout.D(),
		ProbeTimeout:     cfg.ProbeTimeout.D(),
		PollInterval:     cfg.PollInterval.D(),
	}, nil
}

// ResolvePassExit maps a pass result onto the process exit status.
func ResolvePassExit(report *mergelib.PassReport, err error) int {
	if err != nil {
		ssm.Errorf(nil, "%v", err)
		return exitcode.UncategorizedError
	}
	switch report.Outcome {
	case mergelib.PassBusy:
		return exitcode.Busy
	case mergelib.PassMixed:
		return exitcode.Mixed
	case mergelib.PassFailure:
		return exitcode.Failure
	}
	return exitcode.Success
}

// Main runs the root command. It only returns on error.
func Main() {
	if err := Root.Execute(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}
