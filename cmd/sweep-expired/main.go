package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mmdatafocus/invoices_backend/config"
	"github.com/mmdatafocus/invoices_backend/workflow"
)

func main() {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	svc := workflow.NewInvoiceService(db, config.GetLogger(), config.LoadEngineSettings())
	locks, snapshots, err := svc.SweepExpired(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("removed %d expired locks and %d undo snapshots\n", locks, snapshots)
}
