package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hostelfund/config"
	"hostelfund/ledger"
	"hostelfund/report"
)

const defaultConfig = "./config.toml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "verify-invariants":
		err = runVerify(os.Args[2:])
	case "reactivate":
		err = runReactivate(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: fundctl <command> [flags]

Commands:
  verify-invariants  Recompute pledge totals and report drift
  reactivate         Force a pledge status with an audited actor and reason
  export             Write canonical CSV snapshots with checksums
  report             Build the anonymised donor report for a month`)
}

func openStore(configPath string) (*config.Config, *ledger.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := ledger.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	if cfg.ConfidentialDSN != "" {
		if err := store.AttachConfidential(cfg.ConfidentialDSN); err != nil {
			return nil, nil, fmt.Errorf("attach confidential store: %w", err)
		}
	}
	return cfg, store, nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify-invariants", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	fs.Parse(args)

	_, store, err := openStore(*configPath)
	if err != nil {
		return err
	}
	drifts, err := store.VerifyInvariants(context.Background())
	if err != nil {
		return err
	}
	if len(drifts) == 0 {
		fmt.Println("ok: no drift detected")
		return nil
	}
	for _, drift := range drifts {
		fmt.Println(drift)
	}
	return fmt.Errorf("%d invariant violations", len(drifts))
}

func runReactivate(args []string) error {
	fs := flag.NewFlagSet("reactivate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	pledgeID := fs.String("pledge", "", "Pledge id to reactivate")
	status := fs.String("status", string(ledger.PledgeVerified), "Status to force")
	actor := fs.String("actor", "", "Operator email making the change")
	reason := fs.String("reason", "", "Reason recorded in the audit log")
	fs.Parse(args)

	if *pledgeID == "" || *actor == "" || *reason == "" {
		return fmt.Errorf("reactivate requires -pledge, -actor and -reason")
	}
	_, store, err := openStore(*configPath)
	if err != nil {
		return err
	}
	if err := store.ForcePledgeStatus(context.Background(), *pledgeID, ledger.PledgeStatus(*status), *actor, *reason); err != nil {
		return err
	}
	fmt.Printf("pledge %s forced to %s\n", *pledgeID, *status)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	outDir := fs.String("out", "", "Output directory (defaults to the configured export dir)")
	fs.Parse(args)

	cfg, store, err := openStore(*configPath)
	if err != nil {
		return err
	}
	dir := *outDir
	if dir == "" {
		dir = cfg.Export.OutputDir
	}
	if dir == "" {
		dir = "exports"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	ctx := context.Background()
	exports := []struct {
		name string
		fn   func(context.Context) ([]byte, string, error)
	}{
		{"pledges", store.ExportPledges},
		{"receipts", store.ExportReceipts},
		{"allocations", store.ExportAllocations},
		{"audit", store.ExportAudit},
	}
	for _, export := range exports {
		data, checksum, err := export.fn(ctx)
		if err != nil {
			return fmt.Errorf("export %s: %w", export.name, err)
		}
		path := filepath.Join(dir, export.name+".csv")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
		if err := os.WriteFile(path+".sha256", []byte(checksum+"\n"), 0o600); err != nil {
			return err
		}
		fmt.Printf("wrote %s (%s)\n", path, checksum)
	}
	return nil
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the config file")
	month := fs.String("month", "", "Report month as YYYY-MM (defaults to the previous month)")
	fs.Parse(args)

	cfg, store, err := openStore(*configPath)
	if err != nil {
		return err
	}

	var start time.Time
	if *month != "" {
		start, err = time.Parse("2006-01", *month)
		if err != nil {
			return fmt.Errorf("parse month %q: %w", *month, err)
		}
	} else {
		now := time.Now().UTC()
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	}
	end := start.AddDate(0, 1, 0)

	reporter, err := report.New(store, cfg.Export, nil)
	if err != nil {
		return err
	}
	result, err := reporter.Run(context.Background(), start, end)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s and %s (%d rows)\n", result.CSVPath, result.ParquetPath, len(result.Rows))
	return nil
}
