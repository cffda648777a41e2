package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocx/dccp/internal/api"
	"github.com/ocx/dccp/internal/middleware"
)

var submitFlags struct {
	server   string
	clientID string
	tier     string
	target   string
	zone     string
	timeout  time.Duration
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitFlags.server, "server", "http://localhost:8080", "DCCP server base URL")
	f.StringVar(&submitFlags.clientID, "client-id", "dccpctl", "client id used for rate limiting")
	f.StringVar(&submitFlags.tier, "tier", "mid", "target tier")
	f.StringVar(&submitFlags.target, "target", "", "file path the result should be written to")
	f.StringVar(&submitFlags.zone, "zone", "staging", "deployment zone")
	f.DurationVar(&submitFlags.timeout, "timeout", 3*time.Minute, "request timeout")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <intent...>",
	Short: "Submit an intent to a running server and print the execution result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(api.IntentRequest{
			Intent:     strings.Join(args, " "),
			Tier:       submitFlags.tier,
			TargetPath: submitFlags.target,
			Zone:       submitFlags.zone,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
			strings.TrimRight(submitFlags.server, "/")+"/api/v1/intents", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.ClientIDHeader, submitFlags.clientID)

		client := &http.Client{Timeout: submitFlags.timeout}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("submit intent: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
		}
		var out bytes.Buffer
		if err := json.Indent(&out, data, "", "  "); err != nil {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		out.WriteByte('\n')
		_, err = out.WriteTo(cmd.OutOrStdout())
		return err
	},
}
