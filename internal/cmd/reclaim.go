package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reclaimPort int

var reclaimCmd = &cobra.Command{
	Use:   "reclaim-port",
	Short: "Terminate stale processes listening on the relay port",
	Long: `Find processes listening on the relay port, signal them to exit and wait
for the port to become free. "layerlink serve" does this automatically unless
--no-reclaim is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Relay.Port
		if reclaimPort != 0 {
			port = reclaimPort
		}
		res := newReclaimer(cfg).Reclaim(cmd.Context(), port)

		out := cmd.OutOrStdout()
		switch {
		case len(res.PIDs) == 0 && res.Free:
			fmt.Fprintf(out, "port %d is free\n", port)
		case res.Free:
			fmt.Fprintf(out, "port %d freed (terminated %v)\n", port, res.Killed)
		default:
			return fmt.Errorf("port %d is still in use (holders %v)", port, res.PIDs)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reclaimCmd)
	reclaimCmd.Flags().IntVar(&reclaimPort, "port", 0, "Port to reclaim (default: the relay port)")
}
