package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tass-io/rpool/pkg/runner/pool"
)

var connect bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the R installation.",
	Long:  "Validate the R installation and optionally start Rserve once and connect to it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, warnings, err := newProvider()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "R home: %s\nRserve: %s\n", provider.InstallationHome(), provider.ServerExecutablePath())
		for _, w := range warnings {
			fmt.Fprintf(out, "warning: %s\n", w)
		}
		if !connect {
			return nil
		}
		p := pool.New(provider, pool.NewConfigFromViper())
		defer p.ForceTerminateAll()
		start := time.Now()
		s, err := p.CreateConnection(context.Background())
		if err != nil {
			return err
		}
		defer s.Close()
		fmt.Fprintf(out, "connected to %s on port %d in %v\n", s.ServerID(), s.Port(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&connect, "connect", false, "start Rserve and connect to it")
}
