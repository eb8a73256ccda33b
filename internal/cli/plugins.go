package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akshayaggarwal99/brickwrap/internal/api"
	"github.com/spf13/cobra"
)

var unregisterCmd = &cobra.Command{
	Use:   "unregister [plugin-id]",
	Short: "Drain and remove a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminRequest(http.MethodDelete, "/v1/plugins/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("Plugin %s draining\n", args[0])
		return nil
	},
}

var emitCmd = &cobra.Command{
	Use:   "emit [kind] [payload-json]",
	Short: "Dispatch a server event to subscribed plugins",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.EventRequest{Kind: args[0], Payload: json.RawMessage("{}")}
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return errors.New("payload is not valid JSON")
			}
			req.Payload = json.RawMessage(args[1])
		}

		var result struct {
			Delivered int `json:"delivered"`
		}
		if err := adminRequest(http.MethodPost, "/v1/events", req, &result); err != nil {
			return err
		}
		fmt.Printf("%s delivered to %d plugin(s)\n", req.Kind, result.Delivered)
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call [plugin-id] [method] [params-json]",
	Short: "Send a request to a plugin and print its result",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.CallRequest{Method: args[1]}
		if len(args) == 3 {
			if !json.Valid([]byte(args[2])) {
				return errors.New("params are not valid JSON")
			}
			req.Params = json.RawMessage(args[2])
		}

		var result api.CallResponse
		if err := adminRequest(http.MethodPost, "/v1/plugins/"+args[0]+"/call", req, &result); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Result)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print host counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats json.RawMessage
		if err := adminRequest(http.MethodGet, "/v1/stats", nil, &stats); err != nil {
			return err
		}
		fmt.Println(string(stats))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(unregisterCmd, emitCmd, callCmd, statsCmd)
}
