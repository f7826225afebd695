package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bossdb_rag_go_backend/cmd/api/config"
	"bossdb_rag_go_backend/internal/api"
	"bossdb_rag_go_backend/internal/database"
	"bossdb_rag_go_backend/internal/logging"
	"bossdb_rag_go_backend/internal/services"
	"bossdb_rag_go_backend/internal/utils/broker"
	"bossdb_rag_go_backend/internal/wsocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/generative-ai-go/genai"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"google.golang.org/api/option"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logFile, err := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logFile.Close()

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

	// Initialize internal services
	retry := services.NewRetryPolicy(cfg.Retry)
	counter := services.NewTiktokenCounter()
	answerModel := services.NewGenAILanguageModel(genaiClient, cfg.LLM.DefaultLLM, cfg.LLM.Temperature, services.SystemPrompt(cfg.Memory.Mode), retry)
	summaryModel := services.NewGenAILanguageModel(genaiClient, cfg.LLM.FastLLM, cfg.LLM.Temperature, "", retry)
	embedder := services.NewGenAIEmbedder(genaiClient, cfg.LLM.EmbedModel, cfg.Index.EmbedBatch, retry)
	index := services.NewPGVectorIndex(db, embedder, retry)

	loader := services.NewDataLoader(cfg.Sources, cfg.LLM.GithubToken, &http.Client{Timeout: time.Minute})
	splitter := services.NewSplitter(counter, cfg.LLM.TokenizerModel, cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)
	report, err := services.NewIndexBuilder(loader, splitter, embedder, index, cfg.Index).BuildOrLoad(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build index")
	}
	log.Info().
		Int("indexed", report.Indexed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int64("chunks", report.Stats.TotalChunks).
		Msg("Index ready")

	memoryFactory, err := services.NewMemoryFactory(cfg.Memory, counter, cfg.LLM.TokenizerModel, summaryModel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure memory")
	}

	chatServiceDB := services.NewChatServiceDB(db)
	usageTracker := services.NewUsageTracker(db, counter, cfg.LLM.TokenizerModel, cfg.Limits)
	chatSessionService := services.NewChatSessionService(usageTracker, chatServiceDB, memoryFactory, cfg.Server.SessionTimeout)
	chatSessionService.StartCleanup(ctx, cfg.Server.SessionCheckInterval)

	messageBroker := broker.NewBroker()
	queryProcessor := services.NewQueryProcessor(index, answerModel, counter, cfg)
	ragChatService := services.NewRAGChatService(chatSessionService, usageTracker, chatServiceDB, queryProcessor, messageBroker)

	r := gin.Default()

	// CORS middleware configuration
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// WebSocket upgrader
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range cfg.Server.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	wsHandler := wsocket.NewHandler(ragChatService, upgrader, messageBroker)

	api.SetupRoutes(r, ragChatService)
	r.GET("/ws", func(c *gin.Context) {
		wsHandler.HandleWebSocket(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	chatSessionService.EndAll(shutdownCtx)
}
