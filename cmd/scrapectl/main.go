// Command scrapectl drives a running scrape_agent over its HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	agentAddr string
	timeout   time.Duration
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	rootCmd := newRootCmd(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultAddr() string {
	if v := os.Getenv("SCRAPECTL_AGENT_URL"); v != "" {
		return v
	}
	if v := os.Getenv("AGENT_BIND_ADDR"); v != "" {
		return "http://" + v
	}
	return "http://127.0.0.1:8190"
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scrapectl",
		Short:         "Control and query a running scrape_agent",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&agentAddr, "agent", defaultAddr(), "Agent base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	client := func() *apiClient { return newAPIClient(agentAddr, timeout) }
	printJSON := func(data json.RawMessage) error {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			_, err = out.Write(data)
			return err
		}
		buf.WriteByte('\n')
		_, err := out.Write(buf.Bytes())
		return err
	}
	getCmd := func(use, short, path string, needDomain bool) *cobra.Command {
		var limit int
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				q := url.Values{}
				if len(args) == 1 {
					q.Set("domain", args[0])
				} else if needDomain {
					return fmt.Errorf("%s requires a domain argument", cmd.Name())
				}
				if limit > 0 {
					q.Set("limit", strconv.Itoa(limit))
				}
				data, err := client().get(cmd.Context(), path, q)
				if err != nil {
					return err
				}
				return printJSON(data)
			},
		}
		if path == "/api/v1/responses" || path == "/api/v1/feed" {
			cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events")
		}
		return cmd
	}

	rootCmd.AddCommand(
		getCmd("status", "Show agent status", "/api/v1/status", false),
		getCmd("domains", "List captured domains", "/api/v1/domains", false),
		getCmd("tabs", "List tab sessions", "/api/v1/tabs", false),
		getCmd("stats", "Show stored event counts", "/api/v1/stats", false),
		getCmd("responses [domain]", "List responses", "/api/v1/responses", false),
		getCmd("endpoints [domain]", "List flagged endpoints", "/api/v1/endpoints", false),
		getCmd("tokens [domain]", "List bearer tokens", "/api/v1/tokens", false),
		getCmd("task-tokens [domain]", "List page task tokens", "/api/v1/task-tokens", false),
		getCmd("dommaps [domain]", "List DOM maps", "/api/v1/dommaps", false),
		getCmd("auth-cookies [domain]", "List auth cookie events", "/api/v1/auth-cookies", false),
		getCmd("feed [domain]", "Show recent events", "/api/v1/feed", false),
		getCmd("intel <domain>", "Show the intel summary of a domain", "/api/v1/intel", true),
	)

	var tabID, cmdURL string
	execCmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Execute an agent command (track, untrack, dommap, get_html, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"command": args[0]}
			if tabID != "" {
				body["tabId"] = tabID
			}
			if cmdURL != "" {
				body["url"] = cmdURL
			}
			data, err := client().do(cmd.Context(), http.MethodPost, "/api/v1/commands", nil, body)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	execCmd.Flags().StringVar(&tabID, "tab", "", "Target tab id")
	execCmd.Flags().StringVar(&cmdURL, "url", "", "URL argument")

	navigateCmd := &cobra.Command{
		Use:   "navigate <url>",
		Short: "Open a URL in a new tracked tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client().do(cmd.Context(), http.MethodPost, "/api/v1/navigate", nil, map[string]string{"url": args[0]})
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <domain>",
		Short: "Delete persisted events of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client().do(cmd.Context(), http.MethodDelete, "/api/v1/domains/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}

	queueCmd := &cobra.Command{Use: "queue", Short: "Manage the navigation queue"}
	queueCmd.AddCommand(
		&cobra.Command{
			Use:   "add <url>...",
			Short: "Queue URLs",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := client().do(cmd.Context(), http.MethodPost, "/api/v1/queue", nil, map[string][]string{"urls": args})
				if err != nil {
					return err
				}
				return printJSON(data)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show queue status",
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := client().get(cmd.Context(), "/api/v1/queue", nil)
				if err != nil {
					return err
				}
				return printJSON(data)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Drop pending URLs",
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := client().do(cmd.Context(), http.MethodDelete, "/api/v1/queue", nil, nil)
				if err != nil {
					return err
				}
				return printJSON(data)
			},
		},
	)

	var findDomain string
	var findLimit int
	findCmd := &cobra.Command{
		Use:   "find <selector>",
		Short: "Search captured HTML snapshots with a CSS selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"selector": {args[0]}}
			if findDomain != "" {
				q.Set("domain", findDomain)
			}
			if findLimit > 0 {
				q.Set("limit", strconv.Itoa(findLimit))
			}
			data, err := client().get(cmd.Context(), "/api/v1/find", q)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	findCmd.Flags().StringVar(&findDomain, "domain", "", "Domain filter")
	findCmd.Flags().IntVar(&findLimit, "limit", 0, "Maximum number of matches")

	var tailTypes, tailDomain string
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the live event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			q := url.Values{}
			if tailTypes != "" {
				q.Set("types", tailTypes)
			}
			if tailDomain != "" {
				q.Set("domain", tailDomain)
			}
			return client().stream(ctx, q, func(eventType string, data []byte) {
				fmt.Fprintf(out, "%s %s\n", eventType, data)
			})
		},
	}
	tailCmd.Flags().StringVar(&tailTypes, "types", "", "Comma-separated event types")
	tailCmd.Flags().StringVar(&tailDomain, "domain", "", "Domain filter")

	rootCmd.AddCommand(execCmd, navigateCmd, clearCmd, queueCmd, findCmd, tailCmd)
	rootCmd.SetContext(context.Background())
	return rootCmd
}
