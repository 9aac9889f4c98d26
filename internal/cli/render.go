package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func writeJSON(w io.Writer, v interface{}) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func riskColor(level model.RiskLevel) text.Colors {
	switch level {
	case model.RiskLow:
		return text.Colors{text.FgGreen}
	case model.RiskMedium:
		return text.Colors{text.FgYellow}
	case model.RiskHigh:
		return text.Colors{text.FgHiRed}
	default:
		return text.Colors{text.FgRed, text.Bold}
	}
}

func passFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}

func renderVerdicts(w io.Writer, verdicts []model.Verdict) {
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].AccountID < verdicts[j].AccountID })

	t := newTable(w)
	t.AppendHeader(table.Row{"Account", "Exchange", "Valid", "Score", "Risk", "Creds", "Perms", "Rate", "Acct", "Exch", "Errors"})
	valid := 0
	for _, v := range verdicts {
		if v.IsValid {
			valid++
		}
		t.AppendRow(table.Row{
			v.AccountID,
			v.ExchangeName,
			v.IsValid,
			v.SecurityScore,
			riskColor(v.RiskLevel).Sprint(string(v.RiskLevel)),
			passFail(v.Checks.Credentials),
			passFail(v.Checks.Permissions),
			passFail(v.Checks.RateLimit),
			passFail(v.Checks.AccountStatus),
			passFail(v.Checks.ExchangeStatus),
			strings.Join(v.Errors, "\n"),
		})
	}
	if len(verdicts) > 1 {
		t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d valid", valid, len(verdicts))})
	}
	t.Render()

	for _, v := range verdicts {
		if len(v.Warnings) == 0 && len(v.Recommendations) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", v.AccountID)
		for _, msg := range v.Warnings {
			fmt.Fprintf(w, "  ! %s\n", msg)
		}
		for _, msg := range v.Recommendations {
			fmt.Fprintf(w, "  > %s\n", msg)
		}
	}
}

func renderRateLimit(w io.Writer, accountID string, st *model.RateLimitStatus) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Account", "Allowed", "Window", "Usage", "Ceiling", "Remaining", "Retry After", "Reset At"})
	retry := "-"
	if st.RetryAfterSec > 0 {
		retry = fmt.Sprintf("%ds", st.RetryAfterSec)
	}
	t.AppendRow(table.Row{accountID, st.Allowed, st.Window, st.CurrentUsage, st.Ceiling, st.Remaining, retry, st.ResetAt.UTC().Format(time.RFC3339)})
	t.Render()
}

func renderReport(w io.Writer, r *model.SecurityReport) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"Account", r.AccountID})
	t.AppendRow(table.Row{"Score", r.SecurityScore})
	t.AppendRow(table.Row{"Risk", riskColor(r.RiskLevel).Sprint(string(r.RiskLevel))})
	t.AppendRow(table.Row{"Valid", r.IsValid})
	t.AppendRow(table.Row{"Generated", r.GeneratedAt.UTC().Format(time.RFC3339)})

	names := make([]string, 0, len(r.Compliance))
	for name := range r.Compliance {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t.AppendRow(table.Row{"compliance/" + name, passFail(r.Compliance[name])})
	}
	for _, e := range r.Errors {
		t.AppendRow(table.Row{"error", e})
	}
	t.Render()
}

func renderAudit(w io.Writer, records []*model.AuditRecord) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Time", "Account", "Action", "Result", "Score", "Risk"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.AccountID,
			r.Action,
			r.Result,
			detail(r.Details, "securityScore"),
			detail(r.Details, "riskLevel"),
		})
	}
	if len(records) == 0 {
		t.AppendRow(table.Row{"(no audit records)"})
	}
	t.Render()
}

func detail(details map[string]interface{}, key string) string {
	v, ok := details[key]
	if !ok || v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}
