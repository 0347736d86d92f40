package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

const version = "v0.1.0"

type VersionInfo struct {
	Version   string
	GoVersion string
	Compiler  string
	Platform  string
}

func (info *VersionInfo) String() string {
	return "{rpool version: " + info.Version + ", Go version: " +
		info.GoVersion + ", Compiler version: " + info.Compiler + ", Platform: " + info.Platform + "}"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Version of rpool.",
	Long:  "Version of rpool.",
	Run: func(cmd *cobra.Command, args []string) {
		info := &VersionInfo{
			Version:   version,
			GoVersion: runtime.Version(),
			Compiler:  runtime.Compiler,
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
	},
}
