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

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("error (%d)", e.Status)
	}
	return fmt.Sprintf("error (%d) %s: %s", e.Status, e.Code, e.Message)
}

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) request(method, path string, body any) (int, []byte, error) {
	var buf *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(b)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

// call performs the request and decodes a 2xx body into out (when non-nil).
func (c *client) call(method, path string, body, out any) error {
	status, resp, err := c.request(method, path, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		apiErr := &apiError{Status: status}
		if json.Unmarshal(resp, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = strings.TrimSpace(string(resp))
		}
		return apiErr
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	return json.Unmarshal(resp, out)
}

// withSpinner runs fn while showing suffix on a spinner.
func withSpinner(suffix string, fn func() error) error {
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = " " + suffix
	spin.Start()
	err := fn()
	spin.Stop()
	return err
}

func main() {
	baseURL := getenv("VALIDQ_BASE_URL", "http://localhost:8080")
	token := getenv("VALIDQ_TOKEN", "")
	profileName := getenv("VALIDQ_PROFILE", "")
	ui := newUI()

	root := &cobra.Command{
		Use:   "validq",
		Short: "validq CLI",
		Long:  "validq CLI for requesting, performing, and settling agent output validations.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "Base URL for validq")
	root.PersistentFlags().StringVar(&token, "token", token, "Bearer token")
	root.PersistentFlags().StringVar(&profileName, "profile", profileName, "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		active := resolveProfileName(profileName, cfg)
		prof := cfg.Profiles[active]

		flags := cmd.Flags()
		if !flags.Changed("base-url") {
			if v := strings.TrimSpace(os.Getenv("VALIDQ_BASE_URL")); v != "" {
				baseURL = v
			} else if prof.BaseURL != "" {
				baseURL = prof.BaseURL
			}
		}
		if !flags.Changed("token") {
			if v := strings.TrimSpace(os.Getenv("VALIDQ_TOKEN")); v != "" {
				token = v
			} else if prof.Token != "" {
				token = prof.Token
			}
		}
		if !flags.Changed("profile") && profileName == "" && active != "" {
			profileName = active
		}
		return nil
	}

	conn := func() (*client, error) {
		if strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("token is required (run `validq auth set --token ...` or pass --token)")
		}
		return newClient(baseURL, token), nil
	}

	root.AddCommand(initCmd(&profileName, ui))
	root.AddCommand(authCmd(&profileName, ui))
	root.AddCommand(requestCmd(conn, ui))
	root.AddCommand(submitCmd(conn, &profileName, ui))
	root.AddCommand(attestCmd(&profileName, ui))
	root.AddCommand(balanceCmd(conn, ui))
	root.AddCommand(sweepCmd(conn, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func helpTemplate(ui *ui) string {
	title := ui.title("validq")
	return fmt.Sprintf(`%s: CLI for validq

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  validq init
  validq request create --agent 0x.. --task 0x.. --output 0x.. --model StakeSecured --bounty 10000000 --ttl 1h
  validq request select 0x<hash> --candidate 0x.. --candidate 0x..
  validq submit 0x<hash> --score 90
  validq submit 0x<hash> --score 95 --attest --measurement 0x..
  validq sweep

`, title, configPath())
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}
