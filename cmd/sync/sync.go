// Package sync provides the sync command.
package sync

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/suwayomi/sourcemerge/cmd"
)

var (
	forceRemount []string
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	cmdFlags.StringArrayVarP(&forceRemount, "force-remount", "", nil, "Remount this mount point even if it looks correct (repeatable)")
}

var commandDefinition = &cobra.Command{
	Use:   "sync",
	Short: `Run one reconciliation pass and exit.`,
	Long: `Scan the configured sources for titles, refresh the branch link
directories, compare the desired mounts against the live mount table
and mount, remount or unmount whatever differs.

The exit status reflects the pass outcome: 0 when every action
succeeded, 4 when only transient busy conditions were hit, 5 when busy
conditions were mixed with hard failures and 6 when only hard failures
occurred.`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cfg := cmd.LoadConfig()
		pass, err := cmd.NewPass(cfg)
		if err != nil {
			os.Exit(cmd.ResolvePassExit(nil, err))
		}
		report, err := pass.Run(context.Background(), forceRemount)
		os.Exit(cmd.ResolvePassExit(report, err))
	},
}
