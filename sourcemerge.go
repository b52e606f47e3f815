// Sync manga source directories into mergerfs mounts
package main

import (
	"github.com/suwayomi/sourcemerge/cmd"
	_ "github.com/suwayomi/sourcemerge/cmd/daemon"
	_ "github.com/suwayomi/sourcemerge/cmd/status"
	_ "github.com/suwayomi/sourcemerge/cmd/sync"
	_ "github.com/suwayomi/sourcemerge/cmd/version"
)

func main() {
	cmd.Main()
}
