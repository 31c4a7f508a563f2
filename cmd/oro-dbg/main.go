package main

import (
	"github.com/oro-os/dbgutil/cmd/oro-dbg/cmds"
	"github.com/oro-os/dbgutil/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.OroDbgVersion.Build = Build
	}
	cmds.New().Execute()
}
