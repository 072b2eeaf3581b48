package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/mirahq/cmdgate/internal/audit"
	"github.com/mirahq/cmdgate/internal/client"
	"github.com/mirahq/cmdgate/internal/engine"
	"github.com/mirahq/cmdgate/internal/rule"
)

var (
	app       = kingpin.New("cmdgate", "Operator CLI for the command authorization gate")
	serverURL = app.Flag("server", "Gate server base URL").Default("http://localhost:3200").Envar("CMDGATE_SERVER_URL").String()
	apiKey    = app.Flag("api-key", "API key for the gate server").Envar("CMDGATE_API_KEY").String()

	authorizeCmd     = app.Command("authorize", "Ask the gate to authorize a command")
	authorizeCommand = authorizeCmd.Arg("command", "Command line to authorize").Required().String()
	authorizeDir     = authorizeCmd.Flag("dir", "Working directory for the command").String()
	authorizeSession = authorizeCmd.Flag("session", "Session ID").String()
	authorizeBy      = authorizeCmd.Flag("by", "Requester identity").String()
	authorizeReason  = authorizeCmd.Flag("reason", "Why the command is needed").String()

	pendingCmd     = app.Command("pending", "List pending approval requests")
	pendingSession = pendingCmd.Flag("session", "Filter by session ID").String()

	approveCmd = app.Command("approve", "Approve a pending request")
	approveID  = approveCmd.Arg("id", "Approval request ID").Required().String()
	approveBy  = approveCmd.Flag("by", "Approver identity").Default("operator").String()

	denyCmd    = app.Command("deny", "Deny a pending request")
	denyID     = denyCmd.Arg("id", "Approval request ID").Required().String()
	denyBy     = denyCmd.Flag("by", "Denier identity").Default("operator").String()
	denyReason = denyCmd.Flag("reason", "Reason for the denial").String()

	rulesCmd = app.Command("rules", "Permission rule management")

	rulesListCmd = rulesCmd.Command("list", "List permission rules")

	rulesAddCmd      = rulesCmd.Command("add", "Add a permission rule")
	rulesAddName     = rulesAddCmd.Arg("name", "Rule name").Required().String()
	rulesAddKind     = rulesAddCmd.Flag("kind", "Match kind: exact, prefix or regex").Default("exact").Enum("exact", "prefix", "regex")
	rulesAddPattern  = rulesAddCmd.Flag("pattern", "Command pattern").Required().String()
	rulesAddApproval = rulesAddCmd.Flag("requires-approval", "Route matches through the approval workflow").Bool()
	rulesAddDesc     = rulesAddCmd.Flag("description", "Rule description").String()

	rulesToggleCmd     = rulesCmd.Command("toggle", "Enable or disable a rule")
	rulesToggleID      = rulesToggleCmd.Arg("id", "Rule ID").Required().String()
	rulesToggleEnabled = rulesToggleCmd.Flag("enabled", "Desired state").Required().Bool()

	rulesRemoveCmd = rulesCmd.Command("remove", "Delete a rule")
	rulesRemoveID  = rulesRemoveCmd.Arg("id", "Rule ID").Required().String()

	blocklistCmd = app.Command("blocklist", "Blocklist management")

	blocklistListCmd = blocklistCmd.Command("list", "List blocklist entries")

	blocklistAddCmd      = blocklistCmd.Command("add", "Add a blocklist entry")
	blocklistAddName     = blocklistAddCmd.Arg("name", "Entry name").Required().String()
	blocklistAddKind     = blocklistAddCmd.Flag("kind", "Match kind: exact, prefix or regex").Default("regex").Enum("exact", "prefix", "regex")
	blocklistAddPattern  = blocklistAddCmd.Flag("pattern", "Command pattern").Required().String()
	blocklistAddSeverity = blocklistAddCmd.Flag("severity", "Severity: medium, high or critical").Default("high").Enum("medium", "high", "critical")
	blocklistAddDesc     = blocklistAddCmd.Flag("description", "Entry description").String()

	blocklistToggleCmd     = blocklistCmd.Command("toggle", "Enable or disable a blocklist entry")
	blocklistToggleID      = blocklistToggleCmd.Arg("id", "Entry ID").Required().String()
	blocklistToggleEnabled = blocklistToggleCmd.Flag("enabled", "Desired state").Required().Bool()

	auditCmd        = app.Command("audit", "Show the audit log")
	auditSession    = auditCmd.Flag("session", "Filter by session ID").String()
	auditType       = auditCmd.Flag("type", "Filter by authorization type").String()
	auditFailedOnly = auditCmd.Flag("failed", "Only failed executions").Bool()
	auditLimit      = auditCmd.Flag("limit", "Maximum entries").Default("50").Int()
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*serverURL, *apiKey)

	var err error
	switch command {
	case authorizeCmd.FullCommand():
		err = runAuthorize(ctx, c)
	case pendingCmd.FullCommand():
		err = runPending(ctx, c)
	case approveCmd.FullCommand():
		err = runApprove(ctx, c)
	case denyCmd.FullCommand():
		err = runDeny(ctx, c)
	case rulesListCmd.FullCommand():
		err = runRulesList(ctx, c)
	case rulesAddCmd.FullCommand():
		err = runRulesAdd(ctx, c)
	case rulesToggleCmd.FullCommand():
		err = runRulesToggle(ctx, c)
	case rulesRemoveCmd.FullCommand():
		err = c.DeleteRule(ctx, *rulesRemoveID)
	case blocklistListCmd.FullCommand():
		err = runBlocklistList(ctx, c)
	case blocklistAddCmd.FullCommand():
		err = runBlocklistAdd(ctx, c)
	case blocklistToggleCmd.FullCommand():
		err = runBlocklistToggle(ctx, c)
	case auditCmd.FullCommand():
		err = runAudit(ctx, c)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

func runAuthorize(ctx context.Context, c *client.Client) error {
	out, err := c.Authorize(ctx, engine.Request{
		Command:     *authorizeCommand,
		WorkingDir:  *authorizeDir,
		SessionID:   *authorizeSession,
		RequestedBy: *authorizeBy,
		Reason:      *authorizeReason,
	})
	if err != nil {
		return err
	}

	switch out.Kind {
	case engine.OutcomeAllowed:
		fmt.Printf("%s command executed\n", green("allowed"))
		if out.Execution != nil {
			fmt.Printf("  exit code: %d\n", out.Execution.ExitCode)
			if out.Execution.Stdout != "" {
				fmt.Print(out.Execution.Stdout)
			}
			if out.Execution.Stderr != "" {
				fmt.Fprint(os.Stderr, out.Execution.Stderr)
			}
		}
	case engine.OutcomePendingApproval:
		fmt.Printf("%s request %s\n", yellow("pending"), out.RequestID)
		if out.ExpiresAt != nil {
			fmt.Printf("  expires %s\n", out.ExpiresAt.Local().Format(time.RFC3339))
		}
	case engine.OutcomeBlocked:
		fmt.Printf("%s %s\n", red("blocked"), out.Reason)
	case engine.OutcomeDenied:
		fmt.Printf("%s %s\n", red("denied"), out.Reason)
	}
	return nil
}

func runPending(ctx context.Context, c *client.Client) error {
	reqs, err := c.ListPending(ctx, *pendingSession)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Println("no pending requests")
		return nil
	}
	for _, req := range reqs {
		fmt.Printf("%s %s\n", yellow(req.ID), req.Command)
		fmt.Printf("  requested by %s, expires in %ds", orDash(req.RequestedBy), req.RemainingSeconds)
		if req.Reason != "" {
			fmt.Printf(", reason: %s", req.Reason)
		}
		fmt.Println()
	}
	return nil
}

func runApprove(ctx context.Context, c *client.Client) error {
	req, err := c.Approve(ctx, *approveID, *approveBy)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", green("approved"), req.ID)
	if req.ExitCode != nil {
		fmt.Printf("  exit code: %d\n", *req.ExitCode)
	}
	if req.Output != "" {
		fmt.Print(req.Output)
	}
	if req.Error != "" {
		fmt.Fprintf(os.Stderr, "%s %s\n", red("execution error:"), req.Error)
	}
	return nil
}

func runDeny(ctx context.Context, c *client.Client) error {
	req, err := c.Deny(ctx, *denyID, *denyBy, *denyReason)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", red("denied"), req.ID)
	return nil
}

func runRulesList(ctx context.Context, c *client.Client) error {
	rules, err := c.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Println("no rules")
		return nil
	}
	for _, r := range rules {
		fmt.Printf("%s %s %s\n", ruleState(r.Enabled), r.ID, r.Name)
		fmt.Printf("  %s %q", r.Match.Kind(), r.Match.Pattern())
		if r.RequiresApproval {
			fmt.Printf(" %s", yellow("(requires approval)"))
		}
		fmt.Printf(" %s\n", faint(fmt.Sprintf("used %d times", r.UseCount)))
	}
	return nil
}

func runRulesAdd(ctx context.Context, c *client.Client) error {
	match, err := rule.New(rule.MatchKind(*rulesAddKind), *rulesAddPattern)
	if err != nil {
		return err
	}
	created, err := c.CreateRule(ctx, client.CreateRuleRequest{
		Name:             *rulesAddName,
		Description:      *rulesAddDesc,
		Match:            match,
		RequiresApproval: *rulesAddApproval,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s rule %s\n", green("created"), created.ID)
	return nil
}

func runRulesToggle(ctx context.Context, c *client.Client) error {
	r, err := c.ToggleRule(ctx, *rulesToggleID, *rulesToggleEnabled)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", ruleState(r.Enabled), r.ID)
	return nil
}

func runBlocklistList(ctx context.Context, c *client.Client) error {
	entries, err := c.ListBlocklist(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no blocklist entries")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s %s [%s] %s\n", ruleState(e.Enabled), e.ID, severityColor(e.Severity), e.Name)
		fmt.Printf("  %s %q\n", e.Match.Kind(), e.Match.Pattern())
	}
	return nil
}

func runBlocklistAdd(ctx context.Context, c *client.Client) error {
	match, err := rule.New(rule.MatchKind(*blocklistAddKind), *blocklistAddPattern)
	if err != nil {
		return err
	}
	created, err := c.CreateBlocklistEntry(ctx, client.CreateBlocklistEntryRequest{
		Name:        *blocklistAddName,
		Description: *blocklistAddDesc,
		Match:       match,
		Severity:    rule.Severity(*blocklistAddSeverity),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s blocklist entry %s\n", green("created"), created.ID)
	return nil
}

func runBlocklistToggle(ctx context.Context, c *client.Client) error {
	e, err := c.ToggleBlocklistEntry(ctx, *blocklistToggleID, *blocklistToggleEnabled)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", ruleState(e.Enabled), e.ID)
	return nil
}

func runAudit(ctx context.Context, c *client.Client) error {
	var params []string
	if *auditSession != "" {
		params = append(params, "session_id="+*auditSession)
	}
	if *auditType != "" {
		params = append(params, "type="+*auditType)
	}
	if *auditFailedOnly {
		params = append(params, "success=false")
	}
	params = append(params, fmt.Sprintf("limit=%d", *auditLimit))

	entries, err := c.ListAudit(ctx, strings.Join(params, "&"))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no audit entries")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s %s %s %s\n",
			faint(e.CreatedAt.Local().Format("2006-01-02 15:04:05")),
			auditTypeColor(e.AuthorizationType),
			successMark(e.Success),
			e.Command,
		)
		if e.ErrorMessage != "" {
			fmt.Printf("  %s\n", red(e.ErrorMessage))
		}
	}
	return nil
}

func ruleState(enabled bool) string {
	if enabled {
		return green("enabled ")
	}
	return faint("disabled")
}

func severityColor(s rule.Severity) string {
	switch s {
	case rule.SeverityCritical, rule.SeverityHigh:
		return red(string(s))
	case rule.SeverityMedium:
		return yellow(string(s))
	default:
		return string(s)
	}
}

func auditTypeColor(t audit.AuthorizationType) string {
	switch t {
	case audit.AuthorizationWhitelist, audit.AuthorizationApproval:
		return green(string(t))
	default:
		return red(string(t))
	}
}

func successMark(ok bool) string {
	if ok {
		return green("ok")
	}
	return red("failed")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
