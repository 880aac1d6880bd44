package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nyaysaathi/nyay-agent/api"
	"github.com/nyaysaathi/nyay-agent/config"
	"github.com/nyaysaathi/nyay-agent/conversation"
	"github.com/nyaysaathi/nyay-agent/database"
	"github.com/nyaysaathi/nyay-agent/embeddings"
	"github.com/nyaysaathi/nyay-agent/extraction"
	"github.com/nyaysaathi/nyay-agent/llm"
	"github.com/nyaysaathi/nyay-agent/pipeline"
	"github.com/nyaysaathi/nyay-agent/retrieval"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "explain":
		explainCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serveCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.ListenAddr, "address to listen on")
	noStore := flags.Bool("no-store", false, "disable session persistence")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	if err := database.EnsureSchema(ctx, pgPool, cfg.Embeddings.Dimension); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}

	svc, extractor, err := buildServices(cfg, pgPool, logger)
	if err != nil {
		logger.Fatalf("service setup: %v", err)
	}

	var store api.Persister
	if !*noStore {
		store = database.NewSessionStore(pgPool)
	}

	server := api.New(cfg, svc, extractor, store, logger)

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
	}()

	logger.Printf("listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server: %v", err)
	}
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask the assistant")
	language := flags.String("language", cfg.DefaultLanguage, "answer language")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	if strings.TrimSpace(*question) == "" {
		logger.Fatalf("a question is required (use --question)")
	}
	if !config.IsSupportedLanguage(*language) {
		logger.Fatalf("unsupported language: %s (choose from: %s)", *language, strings.Join(config.Languages, ", "))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	svc, _, err := buildServices(cfg, pgPool, logger)
	if err != nil {
		logger.Fatalf("service setup: %v", err)
	}

	answer, err := svc.Ask(ctx, pipeline.Query{
		Question:        *question,
		Language:        *language,
		ChatHistory:     "",
		DocumentContext: conversation.NoDocumentSentinel,
	})
	if err != nil {
		logger.Fatalf("ask failed: %v", err)
	}

	fmt.Println(answer.Answer)
	if len(answer.GuideSources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for idx, source := range answer.GuideSources {
			fmt.Printf("%d. %s (score %.2f)\n", idx+1, source.Source, source.Score)
		}
	}
}

func explainCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("explain", flag.ExitOnError)
	path := flags.String("file", "", "path to the document to explain")
	mimeType := flags.String("mime", "", "document MIME type (detected from extension when empty)")
	language := flags.String("language", cfg.DefaultLanguage, "explanation language")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse explain flags: %v", err)
	}

	if *path == "" {
		logger.Fatalf("a file path is required (use --file)")
	}
	if !config.IsSupportedLanguage(*language) {
		logger.Fatalf("unsupported language: %s (choose from: %s)", *language, strings.Join(config.Languages, ", "))
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		logger.Fatalf("read document: %v", err)
	}

	detected := *mimeType
	if detected == "" {
		detected = detectMimeType(*path)
	}
	if detected == "" {
		logger.Fatalf("could not detect MIME type for %s, pass --mime", *path)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	extractor := extraction.NewService(llmClient, cfg.MaxUploadBytes, logger)
	result, err := extractor.Extract(ctx, data, detected, *language)
	if err != nil {
		logger.Fatalf("extract document: %v", err)
	}

	fmt.Println(result.Explanation)
}

func buildServices(cfg config.Config, pgPool *pgxpool.Pool, logger *log.Logger) (*pipeline.Service, *extraction.Service, error) {
	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("embedder setup: %w", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("llm setup: %w", err)
	}

	vectorStore := retrieval.NewPostgresVectorStore(pgPool)
	retriever := retrieval.NewRetriever(vectorStore, embedder, cfg.Retriever.TopK, cfg.Retriever.ScoreThreshold)

	svc := pipeline.NewService(retriever, llmClient, logger)
	extractor := extraction.NewService(llmClient, cfg.MaxUploadBytes, logger)
	return svc, extractor, nil
}

func detectMimeType(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	default:
		return ""
	}
}

func printUsage() {
	fmt.Println("Usage: nyay-agent <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the HTTP API")
	fmt.Println("  ask      Ask a one-shot question against the guide corpus")
	fmt.Println("  explain  Extract and explain a legal document")
}
