package sqlguardctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	CallerID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// requestError marks failures that happened after argument parsing so Run
// can tell them apart from usage errors.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

type client struct {
	baseURL  string
	apiKey   string
	callerID string
	http     *http.Client
	stdout   io.Writer
}

// Run executes one sqlguardctl invocation and returns the process exit code:
// 0 on success, 1 on request or HTTP failure, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCommand(defaults, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			_, _ = fmt.Fprintln(stderr, reqErr.Error())
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "error: %v\n\n", err)
		_, _ = fmt.Fprint(stderr, root.UsageString())
		return 2
	}
	return 0
}

func newRootCommand(defaults Options, stdout io.Writer) *cobra.Command {
	c := &client{stdout: stdout}
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "sqlguardctl",
		Short:         "Command line client for the sqlguard API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return errors.New("a command is required")
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.http = defaults.HTTPClient
			if c.http == nil {
				c.http = &http.Client{Timeout: timeout}
			}
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlguard API base URL")
	flags.StringVar(&c.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	flags.StringVar(&c.callerID, "caller-id", defaults.CallerID, "Caller ID header (used when auth is disabled)")
	flags.DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")

	root.AddCommand(
		simpleCommand(c, "health", "Check API liveness", http.MethodGet, "/v1/health"),
		simpleCommand(c, "ready", "Check API readiness", http.MethodGet, "/v1/ready"),
		askCommand(c),
		validateCommand(c),
		reportCommand(c),
		eventsCommand(c),
		pruneEventsCommand(c),
		archiveEventsCommand(c),
		historyCommand(c),
		exportCommand(c),
		blockCommand(c),
		unblockCommand(c),
	)
	return root
}

func simpleCommand(c *client, use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), method, path, nil)
		},
	}
}

func askCommand(c *client) *cobra.Command {
	var role, sessionID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run a natural-language question through the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd.Context(), http.MethodPost, "/v1/query", map[string]any{
				"query":      strings.Join(args, " "),
				"role":       role,
				"session_id": sessionID,
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Audience role for the summary (executive, manager, analyst, auditor)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Mapping session id to attach to the run")
	return cmd
}

func validateCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <sql>",
		Short: "Classify a SQL statement without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd.Context(), http.MethodPost, "/v1/sql/validate", map[string]any{"sql": strings.Join(args, " ")})
		},
	}
}

func reportCommand(c *client) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the security report for the trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), http.MethodGet, "/v1/security/report?hours="+strconv.Itoa(hours), nil)
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Window size in hours")
	return cmd
}

func eventsCommand(c *client) *cobra.Command {
	var limit int
	var format string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Export recent security events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			query.Set("limit", strconv.Itoa(limit))
			query.Set("format", format)
			return c.call(cmd.Context(), http.MethodGet, "/v1/security/events?"+query.Encode(), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or csv")
	return cmd
}

func pruneEventsCommand(c *client) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune-events",
		Short: "Delete security events older than the given number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), http.MethodDelete, "/v1/security/events?older_than_days="+strconv.Itoa(days), nil)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Retention in days")
	return cmd
}

func archiveEventsCommand(c *client) *cobra.Command {
	var hours int
	var format string
	cmd := &cobra.Command{
		Use:   "archive-events",
		Short: "Copy recent security events to the object store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), http.MethodPost, "/v1/security/events/archive", map[string]any{"hours": hours, "format": format})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Archive events from the trailing hours")
	cmd.Flags().StringVar(&format, "format", "json", "Archive format: json or csv")
	return cmd
}

func historyCommand(c *client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), http.MethodGet, "/v1/history?limit="+strconv.Itoa(limit), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of records")
	return cmd
}

func exportCommand(c *client) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export query history to the object store as parquet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), http.MethodPost, "/v1/history/export", map[string]any{"hours": hours})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Export records from the trailing hours")
	return cmd
}

func blockCommand(c *client) *cobra.Command {
	var reason string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "block <address>",
		Short: "Block a client address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd.Context(), http.MethodPost, "/v1/security/blocks", map[string]any{
				"address":     args[0],
				"reason":      reason,
				"ttl_seconds": int(ttl.Seconds()),
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the block")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Block duration; zero blocks until removed")
	return cmd
}

func unblockCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <address>",
		Short: "Remove a client address block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd.Context(), http.MethodDelete, "/v1/security/blocks/"+url.PathEscape(args[0]), nil)
		},
	}
}

func (c *client) call(ctx context.Context, method, path string, payload any) error {
	endpoint := strings.TrimRight(c.baseURL, "/") + path
	code, responseBody, err := c.doRequest(ctx, method, endpoint, payload)
	if err != nil {
		return &requestError{err: fmt.Errorf("request failed: %w", err)}
	}
	if code >= 400 {
		return &requestError{err: fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(responseBody)))}
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(c.stdout, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(c.stdout, strings.TrimRight(string(responseBody), "\n"))
	}
	return nil
}

func (c *client) doRequest(ctx context.Context, method, endpoint string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(c.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if caller := strings.TrimSpace(c.callerID); caller != "" {
		req.Header.Set("X-Caller-ID", caller)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
