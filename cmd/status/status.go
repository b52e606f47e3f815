// Package status provides the status command.
package status

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/suwayomi/sourcemerge/cmd"
	"github.com/suwayomi/sourcemerge/lib/exitcode"
	"github.com/suwayomi/sourcemerge/mergelib"
	"github.com/suwayomi/sourcemerge/ssm"
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
}

var commandDefinition = &cobra.Command{
	Use:   "status",
	Short: `Report what a sync pass would do, without doing it.`,
	Long: `Scan the sources and the live mount table and print the desired
mounts alongside the actions a sync pass would take. Nothing is
mounted, unmounted or written to disk.

On Linux the mount table entries are cross-checked against
/proc/self/mountinfo and any disagreement is flagged.`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cfg := cmd.LoadConfig()
		pass, err := cmd.NewPass(cfg)
		if err != nil {
			ssm.Errorf(nil, "%v", err)
			os.Exit(exitcode.UncategorizedError)
		}
		report, err := pass.Diff(context.Background())
		if err != nil {
			ssm.Errorf(nil, "%v", err)
			os.Exit(exitcode.UncategorizedError)
		}

		fmt.Printf("Desired mounts: %d\n", len(report.Desired))
		for _, want := range report.Desired {
			fmt.Printf("  %s (%s)\n", want.MountPoint, want.DesiredIdentity)
			if mergelib.CanVerifyMounted {
				crossCheck(want.MountPoint, report)
			}
		}
		for _, warning := range report.Warnings {
			fmt.Printf("Warning: %s\n", warning)
		}
		if len(report.Plan.Actions) == 0 {
			fmt.Println("In sync, nothing to do.")
			return
		}
		fmt.Printf("Pending actions: %d\n", len(report.Plan.Actions))
		for _, action := range report.Plan.Actions {
			fmt.Printf("  %v\n", action)
		}
	},
}

// crossCheck compares the reconciler's view of mountPoint with the
// kernel's. A mismatch usually means a mount died between the findmnt
// snapshot and now.
func crossCheck(mountPoint string, report *mergelib.PassReport) {
	mounted, err := mergelib.VerifyMounted(mountPoint)
	if err != nil {
		fmt.Printf("    cannot verify against mountinfo: %v\n", err)
		return
	}
	planned := false
	for _, action := range report.Plan.Actions {
		if action.Kind == mergelib.ActionMount && action.MountPoint == mountPoint {
			planned = true
		}
	}
	if !mounted && !planned {
		fmt.Printf("    mountinfo disagrees: %s is not mounted\n", mountPoint)
	}
}
