package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

// run performs the call and prints the envelope. Guard answers (202) count
// as success.
func (c *client) run(method, path string, payload any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}
	status, out, err := c.do(method, path, body)
	if err != nil {
		return fmt.Errorf("agent unreachable at %s: %w", c.BaseURL, err)
	}
	c.print(status, out)
	if status/100 != 2 {
		return fmt.Errorf("%s %s failed: status=%d", method, path, status)
	}
	return nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}

	var env struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Kind    string          `json:"kind"`
		Data    json.RawMessage `json:"data"`
	}
	if json.Unmarshal(body, &env) != nil {
		fmt.Printf("status=%d %s\n", status, string(body))
		return
	}
	if !env.Success {
		fmt.Printf("%s [%s]: %s\n", env.Message, env.Kind, env.Error)
		return
	}
	fmt.Println(env.Message)
	if len(env.Data) > 0 && string(env.Data) != "null" {
		fmt.Println(string(env.Data))
	}
}

func main() {
	var (
		baseURL = envOr("LIFELINE_AGENT_URL", "http://127.0.0.1:8787")
		out     = envOr("LIFELINE_OUT", "text")
	)

	cl := &client{HTTP: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:   "lifelinectl",
		Short: "Operate a running lifeline agent through its local API",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cl.BaseURL = baseURL
			cl.OutFormat = out
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "agent-url", baseURL, "Local API base URL (env LIFELINE_AGENT_URL)")
	root.PersistentFlags().StringVar(&out, "out", out, "Output format: json|text")

	// ----- session -----
	sessionCmd := &cobra.Command{Use: "session", Short: "Inspect and manage the signed-in session"}
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run(http.MethodGet, "/api/v1/session", nil)
		},
	})

	var identifier, password string
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with identifier and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identifier == "" || password == "" {
				return fmt.Errorf("--identifier and --password are required")
			}
			return cl.run(http.MethodPost, "/api/v1/session/login", map[string]string{
				"identifier": identifier,
				"password":   password,
			})
		},
	}
	loginCmd.Flags().StringVar(&identifier, "identifier", "", "Email or phone number")
	loginCmd.Flags().StringVar(&password, "password", envOr("LIFELINE_PASSWORD", ""), "Password (env LIFELINE_PASSWORD)")
	sessionCmd.AddCommand(loginCmd)

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run(http.MethodPost, "/api/v1/session/logout", nil)
		},
	})
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Force a token refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run(http.MethodPost, "/api/v1/session/refresh", nil)
		},
	})

	// ----- otp -----
	otpCmd := &cobra.Command{Use: "otp", Short: "Drive one-time-password verification"}

	var otpIdentifier, otpPurpose string
	requestCmd := &cobra.Command{
		Use:   "request",
		Short: "Send a code to an identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			if otpIdentifier == "" {
				return fmt.Errorf("--identifier is required")
			}
			return cl.run(http.MethodPost, "/api/v1/otp/request", map[string]string{
				"identifier": otpIdentifier,
				"purpose":    otpPurpose,
			})
		},
	}
	requestCmd.Flags().StringVar(&otpIdentifier, "identifier", "", "Email or phone number")
	requestCmd.Flags().StringVar(&otpPurpose, "purpose", "login", "login|registration|reset")
	otpCmd.AddCommand(requestCmd)

	otpCmd.AddCommand(&cobra.Command{
		Use:   "verify CODE",
		Short: "Submit the received code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run(http.MethodPost, "/api/v1/otp/verify", map[string]string{"code": args[0]})
		},
	})
	otpCmd.AddCommand(&cobra.Command{
		Use:   "resend",
		Short: "Request a new code for the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run(http.MethodPost, "/api/v1/otp/resend", nil)
		},
	})
	otpCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current verification session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run(http.MethodGet, "/api/v1/otp", nil)
		},
	})

	// ----- queue -----
	queueCmd := &cobra.Command{Use: "queue", Short: "Inspect and sync the notification queue"}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue counts by priority and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run(http.MethodGet, "/api/v1/notifications/status", nil)
		},
	})

	var listStatuses []string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued records in processing order",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/notifications"
			if len(listStatuses) > 0 {
				path += "?status=" + strings.Join(listStatuses, "&status=")
			}
			return cl.run(http.MethodGet, path, nil)
		},
	}
	listCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Filter by status (pending,failed,sent,synced)")
	queueCmd.AddCommand(listCmd)

	var kind, payload string
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a notification response",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind is required (emergency|urgent|reminder|confirmation)")
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}
			return cl.run(http.MethodPost, "/api/v1/notifications", map[string]any{
				"kind":    kind,
				"payload": json.RawMessage(payload),
			})
		},
	}
	enqueueCmd.Flags().StringVar(&kind, "kind", "", "emergency|urgent|reminder|confirmation")
	enqueueCmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	queueCmd.AddCommand(enqueueCmd)

	queueCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Deliver pending and failed records now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run(http.MethodPost, "/api/v1/notifications/sync", nil)
		},
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "clear-badge",
		Short: "Reset the badge count without touching records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run(http.MethodDelete, "/api/v1/notifications/badge", nil)
		},
	})

	var confirm bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every queued record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			return cl.run(http.MethodDelete, "/api/v1/notifications", nil)
		},
	}
	clearCmd.Flags().BoolVar(&confirm, "yes", false, "Confirm deletion")
	queueCmd.AddCommand(clearCmd)

	// ----- lifecycle -----
	lifecycleCmd := &cobra.Command{
		Use:       "lifecycle EVENT",
		Short:     "Signal an app lifecycle change",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"foreground", "background", "network-restored"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "foreground", "background", "network-restored":
			default:
				return fmt.Errorf("unknown lifecycle event %q", args[0])
			}
			return cl.run(http.MethodPost, "/api/v1/lifecycle/"+args[0], nil)
		},
	}

	root.AddCommand(sessionCmd, otpCmd, queueCmd, lifecycleCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
