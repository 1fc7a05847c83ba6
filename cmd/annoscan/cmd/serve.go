package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abramin/annoscan/internal/server"
)

var (
	servePort  int
	serveEager bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve index queries over HTTP",
	Long: `Start a local HTTP server that answers index queries.

The server provides:
- JSON endpoints for every query kind under /api
- The full index report at /api/report
- Prometheus metrics at /metrics

Scans run on the first query unless --eager is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, closer, err := GetConfig().NewIndex(GetLogger())
		if err != nil {
			return err
		}
		defer closer.Close()

		if serveEager {
			if err := idx.ScanReferenced(cmd.Context()); err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://localhost:%d\n", idx.Name(), servePort)
		srv := server.New(server.Config{Port: servePort}, idx, GetLogger())
		return srv.Start(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "port to listen on")
	serveCmd.Flags().BoolVar(&serveEager, "eager", false, "scan before accepting requests")
}
