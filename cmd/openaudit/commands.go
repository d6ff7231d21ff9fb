package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/api"
	"github.com/MarcoBrian/OpenAudit/pkg/config"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "", "health endpoint (default http://localhost:$HEALTH_PORT or $PORT)")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *url == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "health: %v\n", err)
			return 1
		}
		port := cfg.Port
		if cfg.HealthPort != "" {
			port = cfg.HealthPort
		}
		*url = "http://localhost:" + port + "/health"
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(*url)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d %v\n", resp.StatusCode, body.Checks)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func runDestinationsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("destinations", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "destinations: %v\n", err)
		return 1
	}
	table, err := loadTable(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "destinations: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"source": table.Source(), "destinations": table.List()})
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tDOMAIN\tFEE_BPS\tFIXED_FEE\n")
	src := table.Source()
	fmt.Fprintf(tw, "%s (source)\t%s\t%d\t-\t-\n", src.ID, src.Name, src.Domain)
	for _, d := range table.List() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", d.ID, d.Name, d.Domain, d.FeeBps, d.FixedFee)
	}
	_ = tw.Flush()
	return 0
}

func runEstimateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	amountStr := fs.String("amount", "", "amount in tokens, e.g. 100.50")
	dest := fs.String("destination", "", "payout destination (empty for the source ledger)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *amountStr == "" {
		fmt.Fprintln(stderr, "Usage: openaudit estimate -amount <tokens> [-destination <id>]")
		return 2
	}
	amount, err := money.Parse(*amountStr)
	if err != nil {
		fmt.Fprintf(stderr, "estimate: %v\n", err)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "estimate: %v\n", err)
		return 1
	}
	table, err := loadTable(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "estimate: %v\n", err)
		return 1
	}
	fee, err := table.EstimateFee(amount, *dest)
	if err != nil {
		fmt.Fprintf(stderr, "estimate: %v\n", err)
		return 1
	}

	if *asJSON {
		_ = json.NewEncoder(stdout).Encode(fee)
		return 0
	}
	fmt.Fprintf(stdout, "destination:  %s\n", fee.Destination)
	fmt.Fprintf(stdout, "amount:       %s\n", fee.Amount)
	fmt.Fprintf(stdout, "protocol fee: %s\n", fee.ProtocolFee)
	fmt.Fprintf(stdout, "fixed fee:    %s\n", fee.FixedFee)
	fmt.Fprintf(stdout, "receive:      %s\n", fee.Receive)
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "", "token subject (operator name)")
	role := fs.String("role", api.OperatorRole, "role claim")
	ttl := fs.Duration("ttl", time.Hour, "validity")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		fmt.Fprintln(stderr, "Usage: openaudit token -subject <name> [-role operator] [-ttl 1h]")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	auth := api.NewAuthenticator(cfg.AuthJWTSecret)
	if auth == nil {
		fmt.Fprintln(stderr, "token: AUTH_JWT_SECRET is not set")
		return 1
	}
	tok, err := auth.Issue(*subject, *role, *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, tok)
	return 0
}
