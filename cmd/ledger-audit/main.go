package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/workflow"
)

func main() {
	fix := flag.Bool("fix", false, "Overwrite drifted running totals with the recomputed values")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	report, err := workflow.AuditLedger(context.Background(), db, config.GetLogger(), *fix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger audit failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Printf("scanned %d committed invoices, %d drifted totals\n", report.InvoicesScanned, len(report.Drifts))
		for _, d := range report.Drifts {
			fmt.Println("  " + d.String())
		}
		if report.Fixed {
			fmt.Println("drift fixed")
		}
	}
	if len(report.Drifts) > 0 && !*fix {
		os.Exit(2)
	}
}
