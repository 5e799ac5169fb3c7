package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionInfo = struct {
	Version   string
	GitCommit string
	BuildTime string
}{
	Version:   "dev",
	GitCommit: "unknown",
	BuildTime: "unknown",
}

// SetVersionInfo records the build information reported by the version command
func SetVersionInfo(version, gitCommit, buildTime string) {
	versionInfo.Version = version
	versionInfo.GitCommit = gitCommit
	versionInfo.BuildTime = buildTime
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "researcher %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.GitCommit, versionInfo.BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
