// Command wafflectl is a thin CLI client for the wafflemakerd management
// API (spec §6), mirroring the `add`/`delete`/`get`/`run` subcommand
// groups of original_source/wafflectl/src/args.rs, rebuilt against
// cobra/pflag in place of structopt.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	address string
	token   string
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "wafflectl",
		Short: "Manages the WaffleMaker deployment engine",
	}
	root.PersistentFlags().StringVarP(&opts.address, "address", "a", envOr("WAFFLECTL_ADDRESS", "http://127.0.0.1:8001"), "Address of the WaffleMaker management interface")
	root.PersistentFlags().StringVarP(&opts.token, "token", "t", os.Getenv("WAFFLECTL_TOKEN"), "Token to authenticate with")

	root.AddCommand(getCommand(opts), addCommand(opts), deleteCommand(opts), runCommand(opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client issues bearer-token requests against the management API and
// decodes JSON responses, or surfaces the {code, message} error envelope.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(opts *options) *client {
	return &client{baseURL: opts.address, token: opts.token, http: &http.Client{Timeout: 15 * time.Second}}
}

type errorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *client) do(method, path string, query url.Values, body interface{}, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Message != "" {
			return fmt.Errorf("%s %s: %s", method, path, envelope.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(b))
}

// getCommand implements `wafflectl get <deployments|leases|services|service NAME>`.
func getCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get details about an object",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "deployments",
		Short: "Get the most recently deployed version and service counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out interface{}
			if err := newClient(opts).do(http.MethodGet, "/deployments", nil, nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "leases",
		Short: "Get every currently tracked lease, grouped by service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out interface{}
			if err := newClient(opts).do(http.MethodGet, "/leases", nil, nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "services",
		Short: "Get a list of every declared service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out interface{}
			if err := newClient(opts).do(http.MethodGet, "/services", nil, nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "service NAME",
		Short: "Get the declared configuration and running container id for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out interface{}
			if err := newClient(opts).do(http.MethodGet, "/services/"+args[0], nil, nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})

	return cmd
}

// runCommand implements `wafflectl run <deployment BEFORE|service NAME>`.
func runCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a deployment or a single service",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "deployment BEFORE",
		Short: "Replan from the given commit hash to the locally checked out HEAD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"before": {args[0]}}
			return newClient(opts).do(http.MethodPut, "/deployments", query, nil, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "service NAME",
		Short: "Redeploy a service using its already-declared configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).do(http.MethodPut, "/services/"+args[0], nil, nil, nil)
		},
	})

	return cmd
}

// deleteCommand implements `wafflectl delete <lease ID SERVICE|service NAME>`.
func deleteCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an object",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "lease ID SERVICE",
		Short: "Stop tracking a lease, without revoking it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, service := args[0], args[1]
			query := url.Values{"id": {id}}
			return newClient(opts).do(http.MethodDelete, "/leases/"+service, query, nil, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "service NAME",
		Short: "Remove a service's currently running deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).do(http.MethodDelete, "/services/"+args[0], nil, nil, nil)
		},
	})

	return cmd
}

type addLeaseRequest struct {
	ID         string `json:"id"`
	TTLSeconds int64  `json:"ttl"`
}

// addCommand implements `wafflectl add lease SERVICE ID TTL`.
func addCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an instance of an object",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "lease SERVICE ID TTL",
		Short: "Track a lease issued outside of a reconcile, by its service, id, and TTL in seconds",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, id := args[0], args[1]
			var ttl int64
			if _, err := fmt.Sscanf(args[2], "%d", &ttl); err != nil {
				return fmt.Errorf("ttl must be an integer number of seconds: %w", err)
			}
			return newClient(opts).do(http.MethodPut, "/leases/"+service, nil, addLeaseRequest{ID: id, TTLSeconds: ttl}, nil)
		},
	})

	return cmd
}
