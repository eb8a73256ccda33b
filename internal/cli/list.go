package cli

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Plugins []session.Info `json:"plugins"`
		}
		if err := adminRequest(http.MethodGet, "/v1/plugins", nil, &result); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tSUBSCRIPTIONS\tPENDING\tQUEUED\tCONNECTED")
		for _, p := range result.Plugins {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				p.ID, p.Name, p.State, strings.Join(p.Subscriptions, ","),
				p.Pending, p.QueuedEvents, p.ConnectedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	RootCmd.AddCommand(listCmd)
}
