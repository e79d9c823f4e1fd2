package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/trezcool/masomo-billing/core/billing"
)

var (
	readConfirmFunc = readConfirm // mockable

	errHelp    = errors.New("help provided")
	errAborted = errors.New("aborted")
)

type commandLine struct {
	db  *sqlx.DB
	svc billing.ServiceInterface
	out io.Writer
}

func (cli *commandLine) printUsage() {
	_, _ = fmt.Fprintln(cli.out, "Usage:")
	_, _ = fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose migration command (up, down, status, ...)")
	_, _ = fmt.Fprintln(cli.out, "  setupfees -amount AMOUNT [-schools IDS] [-due DATE] [-description TEXT] [-yes] - bill the one-time setup fee")
	_, _ = fmt.Fprintln(cli.out, "  subscriptionfees -rate RATE -start DATE -end DATE [-schools IDS] [-due DATE] [-yes] - bill per-student subscription fees")
	_, _ = fmt.Fprintln(cli.out, "  sweep [-asof DATE] - mark pending records past their due date as overdue")
	_, _ = fmt.Fprintln(cli.out, "  stats [-schools IDS] [-status STATUSES] - print billing statistics")
	_, _ = fmt.Fprintln(cli.out, "  export -format pdf|excel [-out FILE] [-schools IDS] [-status STATUSES] - export billing records")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	ctx := context.Background()

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "setupfees":
		return cli.setupFees(ctx, args[2:])
	case "subscriptionfees":
		return cli.subscriptionFees(ctx, args[2:])
	case "sweep":
		return cli.sweep(ctx, args[2:])
	case "stats":
		return cli.stats(ctx, args[2:])
	case "export":
		return cli.export(ctx, args[2:])
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

func (cli *commandLine) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errHelp
		}
		return err
	}
	return nil
}

func (cli *commandLine) setupFees(ctx context.Context, args []string) error {
	cmd := cli.newFlagSet("setupfees")
	amount := cmd.String("amount", "", "The flat setup fee, in major units (e.g. 5000).")
	schools := cmd.String("schools", "", "Comma separated school IDs. Defaults to every active school.")
	due := cmd.String("due", "", "Due date (YYYY-MM-DD). Defaults to today plus the configured delay.")
	desc := cmd.String("description", "", "Invoice description.")
	yes := cmd.Bool("yes", false, "Do not ask for confirmation.")
	if err := cli.parse(cmd, args); err != nil {
		return err
	}
	if *amount == "" {
		cmd.Usage()
		return errHelp
	}

	nsf := billing.NewSetupFees{Scope: billing.Scope{SchoolIDs: splitList(*schools)}, Description: *desc}
	var err error
	if nsf.Amount, err = decimal.NewFromString(*amount); err != nil {
		return fmt.Errorf("invalid amount %q", *amount)
	}
	if nsf.DueDate, err = parseOptionalDate("due", *due); err != nil {
		return err
	}

	prompt := fmt.Sprintf("Bill a setup fee of %s to %s?", nsf.Amount, scopeLabel(nsf.Scope))
	if err = cli.confirm(prompt, *yes); err != nil {
		return err
	}

	res, err := cli.svc.CreateSetupFees(ctx, nsf)
	if err != nil {
		return err
	}
	return cli.printJSON(res)
}

func (cli *commandLine) subscriptionFees(ctx context.Context, args []string) error {
	cmd := cli.newFlagSet("subscriptionfees")
	rate := cmd.String("rate", "", "The per-student rate, in major units (e.g. 150).")
	start := cmd.String("start", "", "First day of the billing period (YYYY-MM-DD).")
	end := cmd.String("end", "", "Last day of the billing period (YYYY-MM-DD).")
	schools := cmd.String("schools", "", "Comma separated school IDs. Defaults to every active school.")
	due := cmd.String("due", "", "Due date (YYYY-MM-DD). Defaults to the period start plus the configured delay.")
	desc := cmd.String("description", "", "Invoice description.")
	yes := cmd.Bool("yes", false, "Do not ask for confirmation.")
	if err := cli.parse(cmd, args); err != nil {
		return err
	}
	if *rate == "" || *start == "" || *end == "" {
		cmd.Usage()
		return errHelp
	}

	nsf := billing.NewSubscriptionFees{Scope: billing.Scope{SchoolIDs: splitList(*schools)}, Description: *desc}
	var err error
	if nsf.Rate, err = decimal.NewFromString(*rate); err != nil {
		return fmt.Errorf("invalid rate %q", *rate)
	}
	if nsf.PeriodStart, err = parseDate("start", *start); err != nil {
		return err
	}
	if nsf.PeriodEnd, err = parseDate("end", *end); err != nil {
		return err
	}
	if nsf.DueDate, err = parseOptionalDate("due", *due); err != nil {
		return err
	}

	prompt := fmt.Sprintf("Bill %s per student for %s to %s to %s?", nsf.Rate, *start, *end, scopeLabel(nsf.Scope))
	if err = cli.confirm(prompt, *yes); err != nil {
		return err
	}

	res, err := cli.svc.CreateSubscriptionFees(ctx, nsf)
	if err != nil {
		return err
	}
	return cli.printJSON(res)
}

func (cli *commandLine) sweep(ctx context.Context, args []string) error {
	cmd := cli.newFlagSet("sweep")
	asOf := cmd.String("asof", "", "Reference date (YYYY-MM-DD). Defaults to now.")
	if err := cli.parse(cmd, args); err != nil {
		return err
	}

	ref := time.Now()
	if *asOf != "" {
		var err error
		if ref, err = parseDate("asof", *asOf); err != nil {
			return err
		}
	}

	res, err := cli.svc.SweepOverdue(ctx, ref)
	if err != nil {
		return err
	}
	return cli.printJSON(res)
}

func (cli *commandLine) stats(ctx context.Context, args []string) error {
	cmd := cli.newFlagSet("stats")
	schools := cmd.String("schools", "", "Comma separated school IDs.")
	statuses := cmd.String("status", "", "Comma separated statuses.")
	if err := cli.parse(cmd, args); err != nil {
		return err
	}

	stats, err := cli.svc.GetStats(ctx, queryFilter(*schools, *statuses))
	if err != nil {
		return err
	}
	return cli.printJSON(stats)
}

func (cli *commandLine) export(ctx context.Context, args []string) error {
	cmd := cli.newFlagSet("export")
	format := cmd.String("format", "", "Export format: pdf or excel.")
	out := cmd.String("out", "", "Output file. Defaults to the generated file name in the current directory.")
	schools := cmd.String("schools", "", "Comma separated school IDs.")
	statuses := cmd.String("status", "", "Comma separated statuses.")
	if err := cli.parse(cmd, args); err != nil {
		return err
	}
	if *format == "" {
		cmd.Usage()
		return errHelp
	}

	art, err := cli.svc.Export(ctx, queryFilter(*schools, *statuses), billing.ExportFormat(*format))
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = art.Filename
	}
	if err = os.WriteFile(path, art.Content, 0o644); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "wrote %s (%d bytes)\n", path, len(art.Content))
	return nil
}

func (cli *commandLine) confirm(prompt string, yes bool) error {
	if yes {
		return nil
	}
	ok, err := readConfirmFunc(prompt)
	if err != nil {
		return err
	}
	if !ok {
		return errAborted
	}
	return nil
}

func (cli *commandLine) printJSON(v interface{}) error {
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readConfirm asks a yes/no question on the terminal; non-interactive runs must pass -yes.
func readConfirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, errors.New("stdin is not a terminal; pass -yes to confirm")
	}
	fmt.Print(prompt + " [y/N]: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func queryFilter(schools, statuses string) *billing.QueryFilter {
	filter := &billing.QueryFilter{SchoolIDs: splitList(schools)}
	for _, s := range splitList(statuses) {
		filter.Statuses = append(filter.Statuses, billing.Status(strings.ToLower(s)))
	}
	return filter
}

func scopeLabel(scope billing.Scope) string {
	if scope.All() {
		return "all active schools"
	}
	return fmt.Sprintf("%d school(s): %s", len(scope.SchoolIDs), strings.Join(scope.SchoolIDs, ", "))
}

func parseDate(name, val string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", val)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s date %q (want YYYY-MM-DD)", name, val)
	}
	return t, nil
}

func parseOptionalDate(name, val string) (*time.Time, error) {
	if val == "" {
		return nil, nil
	}
	t, err := parseDate(name, val)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
