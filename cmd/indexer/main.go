package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bossdb_rag_go_backend/cmd/api/config"
	"bossdb_rag_go_backend/internal/database"
	"bossdb_rag_go_backend/internal/logging"
	"bossdb_rag_go_backend/internal/services"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"google.golang.org/api/option"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML configuration file")
	forceReload := pflag.Bool("force-reload", false, "drop the existing index and rebuild it from every source")
	incremental := pflag.Bool("incremental", false, "re-embed only documents whose content changed")
	logFile := pflag.String("log-file", "index_builder.log", "file receiving JSON log lines")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	closer, err := logging.Setup(cfg.Logging.Level, *logFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer closer.Close()

	if pflag.CommandLine.Changed("force-reload") {
		cfg.Index.ForceReload = *forceReload
	}
	if pflag.CommandLine.Changed("incremental") {
		cfg.Index.Incremental = *incremental
	}
	if cfg.LLM.APIKey == "" {
		log.Fatal().Msg("GOOGLE_AI_STUDIO_API_KEY is not set in the environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	genaiClient, err := genai.NewClient(ctx, option.WithAPIKey(cfg.LLM.APIKey))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create GenAI client")
	}
	defer genaiClient.Close()

	retry := services.NewRetryPolicy(cfg.Retry)
	counter := services.NewTiktokenCounter()
	embedder := services.NewGenAIEmbedder(genaiClient, cfg.LLM.EmbedModel, cfg.Index.EmbedBatch, retry)
	index := services.NewPGVectorIndex(db, embedder, retry)
	loader := services.NewDataLoader(cfg.Sources, cfg.LLM.GithubToken, &http.Client{Timeout: time.Minute})
	splitter := services.NewSplitter(counter, cfg.LLM.TokenizerModel, cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)

	log.Info().
		Int("urls", len(cfg.Sources.URLs)).
		Strs("github_orgs", cfg.Sources.GithubOrgs).
		Bool("force_reload", cfg.Index.ForceReload).
		Bool("incremental", cfg.Index.Incremental).
		Msg("Building index")

	started := time.Now()
	report, err := services.NewIndexBuilder(loader, splitter, embedder, index, cfg.Index).BuildOrLoad(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build index")
	}

	event := log.Info().
		Int("loaded", report.Loaded).
		Int("indexed", report.Indexed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int64("total_documents", report.Stats.TotalDocuments).
		Int64("total_chunks", report.Stats.TotalChunks).
		Dur("elapsed", time.Since(started))
	if report.Stats.LastUpdate != nil {
		event = event.Time("last_update", *report.Stats.LastUpdate)
	}
	event.Msg("Index statistics")
}
