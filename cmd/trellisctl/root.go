package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

type cliOptions struct {
	apiURL string
	token  string
	userID string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "trellisctl",
		Short:         "Operate trellis workflows from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAPI := os.Getenv("TRELLIS_API_URL")
	if defaultAPI == "" {
		defaultAPI = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api", defaultAPI, "trellis API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TRELLIS_TOKEN"), "bearer token for the API")
	root.PersistentFlags().StringVar(&opts.userID, "user", os.Getenv("TRELLIS_USER"), "user id for the X-User-ID dev header")

	root.AddCommand(
		newValidateCmd(),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newStopCmd(opts),
		newRetryCmd(opts),
		newQueuesCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the trellisctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trellisctl %s\n", version)
		},
	}
}

// call performs an API request and decodes the JSON response into out.
// Non-2xx responses surface the server's error body as the error message.
func (o *cliOptions) call(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, o.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}
	if o.userID != "" {
		req.Header.Set("X-User-ID", o.userID)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("API returned %s", resp.Status)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
