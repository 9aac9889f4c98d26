package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ErrRejected is returned by --strict commands when a verdict is not valid.
var ErrRejected = errors.New("gate rejected one or more accounts")

type options struct {
	v      *viper.Viper
	out    io.Writer
	client *Client
}

func (o *options) format() (string, error) {
	f := strings.ToLower(strings.TrimSpace(o.v.GetString("output")))
	switch f {
	case "", formatTable:
		return formatTable, nil
	case formatJSON:
		return formatJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", f)
	}
}

// NewRootCmd builds the gatectl command tree. Flags can also be set through
// ACCOUNTGATE_SERVER, ACCOUNTGATE_KEY and ACCOUNTGATE_OUTPUT.
func NewRootCmd(out io.Writer) *cobra.Command {
	o := &options{v: viper.New(), out: out}
	o.v.SetEnvPrefix("accountgate")
	o.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Query the accountgate admission gate",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := o.format(); err != nil {
				return err
			}
			server := o.v.GetString("server")
			if server == "" {
				return errors.New("--server is required")
			}
			o.client = NewClient(server, o.v.GetString("key"), o.v.GetDuration("timeout"))
			return nil
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.String("server", "http://localhost:8080", "Gate base URL")
	pf.String("key", "", "Gateway API key")
	pf.StringP("output", "o", formatTable, "Output format: table|json")
	pf.Duration("timeout", 30*time.Second, "HTTP timeout")
	for _, name := range []string{"server", "key", "output", "timeout"} {
		_ = o.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		newValidateCmd(o),
		newValidateAllCmd(o),
		newRateLimitCmd(o),
		newReportCmd(o),
		newAuditCmd(o),
	)
	return root
}

func newValidateCmd(o *options) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate <account-id>",
		Short: "Run the pre-execution gate for one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := o.client.Validate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			format, _ := o.format()
			if format == formatJSON {
				err = writeJSON(o.out, v)
			} else {
				renderVerdicts(o.out, []model.Verdict{*v})
			}
			if err == nil && strict && !v.IsValid {
				return ErrRejected
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when the verdict is not valid")
	return cmd
}

func newValidateAllCmd(o *options) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate-all",
		Short: "Validate every account of the caller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := o.client.ValidateAll(cmd.Context())
			if err != nil {
				return err
			}
			format, _ := o.format()
			if format == formatJSON {
				err = writeJSON(o.out, res)
			} else {
				renderVerdicts(o.out, res.Verdicts)
			}
			if err != nil || !strict {
				return err
			}
			for _, v := range res.Verdicts {
				if !v.IsValid {
					return ErrRejected
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any verdict is not valid")
	return cmd
}

func newRateLimitCmd(o *options) *cobra.Command {
	var exchange string
	cmd := &cobra.Command{
		Use:   "rate-limit <account-id>",
		Short: "Consume one request slot and show the limiter status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := o.client.CheckRateLimit(cmd.Context(), args[0], exchange)
			if err != nil {
				return err
			}
			if format, _ := o.format(); format == formatJSON {
				return writeJSON(o.out, st)
			}
			renderRateLimit(o.out, args[0], st)
			return nil
		},
	}
	cmd.Flags().StringVar(&exchange, "exchange", "", "Exchange slug (default: resolved from the account)")
	return cmd
}

func newReportCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "report <account-id>",
		Short: "Show the latest security report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := o.client.SecurityReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format, _ := o.format(); format == formatJSON {
				return writeJSON(o.out, r)
			}
			renderReport(o.out, r)
			return nil
		},
	}
}

func newAuditCmd(o *options) *cobra.Command {
	var (
		account string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List the caller's audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := o.client.Audit(cmd.Context(), account, limit)
			if err != nil {
				return err
			}
			if format, _ := o.format(); format == formatJSON {
				return writeJSON(o.out, records)
			}
			renderAudit(o.out, records)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Only records for this account")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to return")
	return cmd
}
