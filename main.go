package main

import (
	"log"
	"net/http"

	"github.com/joho/godotenv"

	"coopstore/m/internal/api"
	"coopstore/m/internal/config"
	"coopstore/m/internal/database"
	"coopstore/m/internal/migrations"
	"coopstore/m/internal/notify"
	"coopstore/m/internal/sale"
	"coopstore/m/internal/seed"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	db := database.Connect(cfg.DatabaseDSN)
	defer db.Close()

	if err := migrations.Run(db); err != nil {
		log.Fatalf("migration error: %v", err)
	}
	if cfg.ProductSeedPath != "" {
		seed.LoadProducts(db, cfg.ProductSeedPath)
	}

	coordinator := sale.NewCoordinator(db, notify.LogNotifier{}, cfg.LowStockThreshold)
	handler := api.New(db, cfg.Secret, coordinator, cfg.LowStockThreshold)

	log.Printf("coopstore server starting on :%s", cfg.HTTPPort)
	if err := http.ListenAndServe(":"+cfg.HTTPPort, handler.Router()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
