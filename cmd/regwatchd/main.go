package main

import (
	"context"

	"regwatch-backend/lib/companieshouse"
	"regwatch-backend/lib/configutil"
	"regwatch-backend/lib/enfstore"
	"regwatch-backend/lib/enfstore/db"
	"regwatch-backend/lib/scrapers/ea"
	"regwatch-backend/lib/scrapers/hse"
	"regwatch-backend/lib/serviceutil"
	"regwatch-backend/lib/sqliteutil"
	"regwatch-backend/lib/telemetry"
	"regwatch-backend/services/scrape"
	"regwatch-backend/services/scrape/dedupe"
)

type CompaniesHouseConfig struct {
	ApiKey string `json:"api_key"`
}

type ScrapeConfig struct {
	RequestsPerMinute   int     `json:"requests_per_minute"`
	ExistingStreakLimit int     `json:"existing_streak_limit"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

type Config struct {
	Port           int                  `json:"port"`
	Database       string               `json:"database"`
	CompaniesHouse CompaniesHouseConfig `json:"companies_house"`
	Scrape         ScrapeConfig         `json:"scrape"`
}

func main() {
	ctx := serviceutil.SignalContext()
	telemetry.InitSlog(false)

	cfg, err := configutil.ReadConfig[Config]("regwatch.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 8420
	}
	if cfg.Database == "" {
		cfg.Database = "regwatch.db"
	}

	err = telemetry.SetupFromEnv(ctx, "regwatchd")
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	defer telemetry.Shutdown(context.Background())

	database, err := sqliteutil.OpenDB(db.Schema, cfg.Database)
	if err != nil {
		serviceutil.Fatal("failed to open database", err)
	}
	store := enfstore.NewStore(database)

	var registryClient dedupe.RegistryClient
	if cfg.CompaniesHouse.ApiKey != "" {
		registryClient = companieshouse.NewClient(companieshouse.ClientOptions{
			ApiKey: cfg.CompaniesHouse.ApiKey,
		})
	}

	bus := scrape.NewBus()
	coord := scrape.NewCoordinator(
		store,
		bus,
		dedupe.NewOffenderResolver(store, registryClient, cfg.Scrape.SimilarityThreshold),
		dedupe.NewLegislationResolver(store),
		scrape.CoordinatorOptions{
			RequestsPerMinute:   cfg.Scrape.RequestsPerMinute,
			ExistingStreakLimit: cfg.Scrape.ExistingStreakLimit,
		},
	)
	strategies := scrape.NewRegistry(
		hse.NewClient(hse.ClientOptions{}),
		ea.NewClient(ea.ClientOptions{}),
	)
	service := scrape.NewService(store, strategies, bus, coord)

	go serviceutil.StartHttpServer(cfg.Port, newRouter(service))

	<-ctx.Done()
}
