package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"bossdb_rag_go_backend/cmd/api/config"
	"bossdb_rag_go_backend/internal/database"
	"bossdb_rag_go_backend/internal/logging"
	"bossdb_rag_go_backend/internal/services"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// parseDate accepts YYYY-MM-DD or an ISO timestamp; a bare date is UTC midnight.
func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or YYYY-MM-DDTHH:MM:SSZ", s)
}

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML configuration file")
	output := pflag.String("output", "conversations.json", "output JSON file path")
	bucket := pflag.String("gcs-bucket", "", "upload the export to this Cloud Storage bucket instead of a local file")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] START_DATE END_DATE\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() != 2 {
		pflag.Usage()
		os.Exit(2)
	}
	start, err := parseDate(pflag.Arg(0))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid start date")
	}
	end, err := parseDate(pflag.Arg(1))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid end date")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logFile, err := logging.Setup(cfg.Logging.Level, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logFile.Close()

	ctx := context.Background()
	db, err := database.InitDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	var store services.ObjectStore
	if *bucket != "" {
		gcs, err := services.NewGCSService(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create GCS service")
		}
		defer gcs.Close()
		store = gcs
	}

	exporter := services.NewExportService(services.NewChatServiceDB(db), store)
	export, err := exporter.ExportConversations(ctx, start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("Error exporting conversations")
	}

	destination := *output
	if *bucket != "" {
		if err := exporter.Upload(ctx, export, *bucket, *output); err != nil {
			log.Fatal().Err(err).Msg("Error uploading export")
		}
		destination = fmt.Sprintf("gs://%s/%s", *bucket, *output)
	} else if err := exporter.SaveToFile(export, *output); err != nil {
		log.Fatal().Err(err).Msg("Error writing export")
	}

	fmt.Print(services.ExportSummary(export))
	fmt.Printf("Date Range: %s to %s\n", start.Format("2006-01-02"), end.Format("2006-01-02"))
	fmt.Printf("Output File: %s\n", destination)
}
