package main

import (
	"context"
	"flag"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"cvingest/internal/config"
	"cvingest/internal/repository"
	"cvingest/internal/service"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report balance drift without writing corrections")
	configPath := flag.String("config", ".app.env", "path to config file")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	usageRepo := repository.NewUsageRepository(db)
	reconcileService := service.NewReconcileService(usageRepo)

	drifts, err := reconcileService.Run(context.Background(), *dryRun)
	if err != nil {
		log.Fatalf("Reconciliation failed: %v", err)
	}

	if len(drifts) == 0 {
		log.Println("[Reconcile] All balances consistent")
		return
	}

	for _, d := range drifts {
		log.Printf("[Reconcile] owner=%s stored=%.6f computed=%.6f diff=%.6f",
			d.OwnerID, d.Stored, d.Computed, d.Computed-d.Stored)
	}

	if *dryRun {
		log.Printf("[Reconcile] Dry run: %d balances drifted, nothing written", len(drifts))
	} else {
		log.Printf("[Reconcile] Corrected %d balances", len(drifts))
	}
}
