package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

type connector func() (*client, error)

func validationPath(hash string, suffix string) (string, error) {
	h, err := domain.ParseHash(hash)
	if err != nil {
		return "", fmt.Errorf("invalid request hash: %w", err)
	}
	return "/v1/validq/validations/" + h.String() + suffix, nil
}

func printRecord(ui *ui, rec domain.ValidationRecord) {
	r := rec.Request
	fmt.Printf("%s %s\n", ui.title("request"), r.Hash)
	fmt.Printf("%s Model:    %s\n", ui.info("•"), r.Model)
	fmt.Printf("%s Status:   %s\n", ui.info("•"), statusColor(ui, r.Status))
	fmt.Printf("%s Bounty:   %d (escrow %d)\n", ui.info("•"), r.Bounty, rec.Escrow)
	fmt.Printf("%s Deadline: %s\n", ui.info("•"), r.Deadline.Format(time.RFC3339))
	if rec.Selection != nil {
		fmt.Printf("%s Selected: %s %s\n", ui.info("•"), rec.Selection.Validator, ui.dim(fmt.Sprintf("(round %d)", rec.Selection.Round)))
	}
	if rec.Response != nil {
		fmt.Printf("%s Score:    %d by %s\n", ui.info("•"), rec.Response.Score, rec.Response.Validator)
	}
	if rec.Dispute != nil {
		fmt.Printf("%s Dispute:  %s resolved=%v\n", ui.warn("•"), rec.Dispute.Disputant, rec.Dispute.Resolved)
	}
	if s := rec.Settlement; s != nil {
		fmt.Printf("%s Payout:   treasury=%d owner=%d validator=%d refund=%d\n", ui.info("•"), s.TreasuryAmount, s.OwnerAmount, s.ValidatorAmount, s.Refund)
	}
}

func statusColor(ui *ui, s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return ui.ok(string(s))
	case domain.StatusPending:
		return ui.info(string(s))
	case domain.StatusDisputed:
		return ui.warn(string(s))
	default:
		return ui.err(string(s))
	}
}

func requestCmd(conn connector, ui *ui) *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Validation request operations",
	}

	var (
		agent       string
		task        string
		output      string
		model       string
		bounty      uint64
		ttl         time.Duration
		deadline    string
		salt        string
		callbackURL string
		asJSON      bool
	)
	create := &cobra.Command{
		Use:     "create",
		Short:   "Open a validation request and escrow its bounty",
		Example: "validq request create --agent 0x.. --task 0x.. --output 0x.. --model TEEAttested --bounty 2000000 --ttl 30m",
		RunE: func(cmd *cobra.Command, args []string) error {
			for name, v := range map[string]string{"agent": agent, "task": task, "output": output} {
				if _, err := domain.ParseHash(v); err != nil {
					return fmt.Errorf("--%s: %w", name, err)
				}
			}
			if strings.TrimSpace(model) == "" {
				return errors.New("--model is required")
			}
			body := map[string]any{
				"agentId":    agent,
				"taskHash":   task,
				"outputHash": output,
				"model":      model,
				"bounty":     bounty,
			}
			switch {
			case deadline != "":
				if _, err := time.Parse(time.RFC3339, deadline); err != nil {
					return fmt.Errorf("--deadline must be RFC3339: %w", err)
				}
				body["deadline"] = deadline
			case ttl > 0:
				body["ttlSeconds"] = int(ttl.Seconds())
			default:
				return errors.New("--ttl or --deadline is required")
			}
			if salt != "" {
				body["salt"] = salt
			}
			if callbackURL != "" {
				body["callbackUrl"] = callbackURL
			}

			c, err := conn()
			if err != nil {
				return err
			}
			var rec domain.ValidationRecord
			if err := withSpinner("Opening request...", func() error {
				return c.call("POST", "/v1/validq/validations", body, &rec)
			}); err != nil {
				return err
			}
			if asJSON {
				printJSON(rec)
				return nil
			}
			fmt.Printf("%s Request opened: %s\n", ui.ok("[OK]"), rec.Request.Hash)
			return nil
		},
	}
	create.Flags().StringVar(&agent, "agent", "", "Agent id (0x hash)")
	create.Flags().StringVar(&task, "task", "", "Task hash")
	create.Flags().StringVar(&output, "output", "", "Output hash")
	create.Flags().StringVar(&model, "model", "", "Trust model: StakeSecured|TEEAttested|Hybrid")
	create.Flags().Uint64Var(&bounty, "bounty", 0, "Bounty in base units")
	create.Flags().DurationVar(&ttl, "ttl", 0, "Time until deadline")
	create.Flags().StringVar(&deadline, "deadline", "", "Absolute deadline (RFC3339)")
	create.Flags().StringVar(&salt, "salt", "", "Optional salt (0x hash)")
	create.Flags().StringVar(&callbackURL, "callback-url", "", "Outcome callback URL")
	create.Flags().BoolVar(&asJSON, "json", false, "Print the full record as JSON")

	get := &cobra.Command{
		Use:   "get <hash>",
		Short: "Show a validation request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := validationPath(args[0], "")
			if err != nil {
				return err
			}
			c, err := conn()
			if err != nil {
				return err
			}
			var rec domain.ValidationRecord
			if err := withSpinner("Fetching request...", func() error {
				return c.call("GET", path, nil, &rec)
			}); err != nil {
				return err
			}
			if asJSON {
				printJSON(rec)
				return nil
			}
			printRecord(ui, rec)
			return nil
		},
	}
	get.Flags().BoolVar(&asJSON, "json", false, "Print the full record as JSON")

	var candidates []string
	sel := &cobra.Command{
		Use:   "select <hash>",
		Short: "Draw a validator from the candidate set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(candidates) == 0 {
				return errors.New("at least one --candidate is required")
			}
			for _, cand := range candidates {
				if _, err := domain.ParseAddress(cand); err != nil {
					return fmt.Errorf("candidate %s: %w", cand, err)
				}
			}
			path, err := validationPath(args[0], "/select")
			if err != nil {
				return err
			}
			c, err := conn()
			if err != nil {
				return err
			}
			var rec domain.ValidationRecord
			if err := withSpinner("Selecting validator...", func() error {
				return c.call("POST", path, map[string]any{"candidates": candidates}, &rec)
			}); err != nil {
				return err
			}
			if rec.Selection == nil {
				return errors.New("server returned no selection")
			}
			fmt.Printf("%s Validator selected: %s\n", ui.ok("[OK]"), rec.Selection.Validator)
			return nil
		},
	}
	sel.Flags().StringArrayVar(&candidates, "candidate", nil, "Candidate validator address (repeatable)")

	slash := &cobra.Command{
		Use:   "slash <hash>",
		Short: "Slash the selected validator after a missed deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return settle(conn, ui, args[0], "/slash", "Slashing validator...", "Validator slashed, requester refunded")
		},
	}
	reclaim := &cobra.Command{
		Use:   "reclaim <hash>",
		Short: "Reclaim the bounty of an expired, unbound request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return settle(conn, ui, args[0], "/reclaim", "Reclaiming bounty...", "Bounty reclaimed")
		},
	}

	var evidence string
	dispute := &cobra.Command{
		Use:   "dispute <hash>",
		Short: "Dispute a completed validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(evidence) == "" {
				return errors.New("--evidence is required")
			}
			path, err := validationPath(args[0], "/disputes")
			if err != nil {
				return err
			}
			c, err := conn()
			if err != nil {
				return err
			}
			if err := withSpinner("Filing dispute...", func() error {
				return c.call("POST", path, map[string]any{"evidence": evidence}, nil)
			}); err != nil {
				return err
			}
			fmt.Printf("%s Dispute filed for %s\n", ui.ok("[OK]"), args[0])
			return nil
		},
	}
	dispute.Flags().StringVar(&evidence, "evidence", "", "Evidence (URI or text)")

	req.AddCommand(create, get, sel, slash, reclaim, dispute)
	return req
}

func settle(conn connector, ui *ui, hash, suffix, progress, done string) error {
	path, err := validationPath(hash, suffix)
	if err != nil {
		return err
	}
	c, err := conn()
	if err != nil {
		return err
	}
	var rec domain.ValidationRecord
	if err := withSpinner(progress, func() error {
		return c.call("POST", path, nil, &rec)
	}); err != nil {
		return err
	}
	fmt.Printf("%s %s (%s)\n", ui.ok("[OK]"), done, statusColor(ui, rec.Request.Status))
	return nil
}

func balanceCmd(conn connector, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <address>",
		Short: "Show an escrow balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			c, err := conn()
			if err != nil {
				return err
			}
			var out struct {
				Balance uint64 `json:"balance"`
			}
			if err := withSpinner("Fetching balance...", func() error {
				return c.call("GET", "/v1/validq/balances/"+url.PathEscape(addr.String()), nil, &out)
			}); err != nil {
				return err
			}
			fmt.Printf("%s %s: %d\n", ui.title("balance"), addr, out.Balance)
			return nil
		},
	}
}

func sweepCmd(conn connector, ui *ui) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Slash or reclaim every overdue request (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn()
			if err != nil {
				return err
			}
			var overdue struct {
				Overdue []domain.Hash `json:"overdue"`
			}
			if err := withSpinner("Listing overdue requests...", func() error {
				return c.call("GET", fmt.Sprintf("/v1/validq/admin/overdue?limit=%d", limit), nil, &overdue)
			}); err != nil {
				return err
			}
			if len(overdue.Overdue) == 0 {
				fmt.Printf("%s Nothing overdue\n", ui.info("[INFO]"))
				return nil
			}

			bar := progressbar.NewOptions(len(overdue.Overdue),
				progressbar.OptionSetDescription("Sweeping"),
				progressbar.OptionSetWidth(24),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			var slashed, reclaimed int
			var failures []string
			for _, h := range overdue.Overdue {
				base := "/v1/validq/validations/" + h.String()
				var rec domain.ValidationRecord
				err := c.call("GET", base, nil, &rec)
				if err == nil {
					if rec.Selection != nil {
						err = c.call("POST", base+"/slash", nil, nil)
						if err == nil {
							slashed++
						}
					} else {
						err = c.call("POST", base+"/reclaim", nil, nil)
						if err == nil {
							reclaimed++
						}
					}
				}
				if err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", h, err))
				}
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			fmt.Printf("%s: %d | %s: %d | %s: %d\n",
				ui.warn("SLASHED"), slashed,
				ui.ok("RECLAIMED"), reclaimed,
				ui.err("FAILED"), len(failures),
			)
			for _, f := range failures {
				fmt.Println(ui.dim("  " + f))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum requests to sweep")
	return cmd
}
