// Command kvdaemon is the daemon's CLI entry point, structured the way
// ValentinKolb-dKV's cmd/root.go structures dKV's CLI: a bare cobra root
// command that only registers subcommands, with all real flags and
// logic living in the serve subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kvdaemon",
	Short: "kvdaemon is a Couchbase-style memcached-binary-protocol data node core",
	Long: "kvdaemon drives client connections through a reactor-based worker pool, " +
		"the binary memcached protocol, and a pluggable key storage engine.",
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command, exiting the process with status 1 on
// any error, matching cmd/root.go's Execute().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
