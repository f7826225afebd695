package main

import (
	"context"
	"fmt"
	"os"

	"bossdb_rag_go_backend/cmd/api/config"
	"bossdb_rag_go_backend/internal/database"
	"bossdb_rag_go_backend/internal/dbview"
	"bossdb_rag_go_backend/internal/logging"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML configuration file")
	limit := pflag.IntP("limit", "n", 10, "rows shown per table")
	tables := pflag.StringSlice("tables", dbview.Tables, "tables to show")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if _, err := logging.Setup("warn", ""); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	db, err := database.InitDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to view database")
	}

	fmt.Printf("\nDatabase: %s\n", db.Dialector.Name())
	if err := dbview.RenderTables(context.Background(), db, os.Stdout, *tables, *limit); err != nil {
		log.Error().Err(err).Msg("Unable to view database")
		os.Exit(1)
	}
}
