package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"termguide/internal/auth"
	"termguide/internal/config"
	"termguide/internal/corpus"
	"termguide/internal/db"
	"termguide/internal/embedding"
	"termguide/internal/errlog"
	"termguide/internal/guidance"
	"termguide/internal/handler"
	"termguide/internal/router"
	"termguide/internal/vectorstore"
)

func main() {
	// Ensure data directory exists
	if err := os.MkdirAll("./data", 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	if err := errlog.Init(); err != nil {
		log.Printf("Warning: error log unavailable: %v", err)
	}
	defer errlog.Close()

	// 1. Initialize ConfigManager and load config
	cm, err := config.NewConfigManager("./data/config.json")
	if err != nil {
		log.Fatalf("Failed to create config manager: %v", err)
	}
	if err := cm.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cm.Get()

	// 2. Initialize database
	database, err := db.InitDB(cfg.Index.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	// 3. Create service instances
	es := embedding.NewAPIEmbeddingService(cfg.Embedding.Endpoint, cfg.Embedding.APIKey, cfg.Embedding.ModelName)
	index, err := vectorstore.NewSQLiteVectorIndex(database)
	if err != nil {
		log.Fatalf("Failed to initialize vector index: %v", err)
	}
	engine := guidance.NewEngine(database, cm, es, index)

	// Restore the snapshot from the persisted corpus, if any.
	modelMismatch := false
	if err := engine.LoadFromStore(); err != nil {
		if errors.Is(err, vectorstore.ErrModelMismatch) {
			modelMismatch = true
			log.Printf("Warning: %v", err)
		} else {
			log.Printf("Warning: failed to restore index from store: %v", err)
		}
	}

	// Check for CLI subcommands
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "serve":
			// fall through to the server below
		case "import":
			runImport(os.Args[2:], engine, false)
			return
		case "build-index":
			runBuildIndex(os.Args[2:], engine)
			return
		case "stats":
			runStats(engine)
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Printf("unknown command: %s\n\n", os.Args[1])
			printUsage()
			os.Exit(1)
		}
	}

	// An embedding model change invalidates every stored vector: serving
	// would score new-model queries against old-model geometry. Refuse to
	// start until the index is rebuilt.
	if modelMismatch {
		log.Fatalf("Stored index was built with a different embedding model than %q; run `termguide build-index --force <corpus-file>` before serving", cfg.Embedding.ModelName)
	}

	sm := auth.NewSessionManager(database, 24*time.Hour)
	app := handler.NewApp(database, engine, cm, sm)

	// 4. Register HTTP API handlers
	stopRouter := router.Register(app)
	defer stopRouter()

	// 5. Start HTTP server with graceful shutdown
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start periodic session cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := sm.CleanExpired(); err == nil && n > 0 {
				log.Printf("Cleaned %d expired sessions", n)
			}
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown error: %v", err)
		}
	}()

	fmt.Printf("Term guidance server starting on http://%s\n", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
	log.Println("Server stopped")
}

// runImport loads a corpus file and builds the index incrementally,
// skipping patterns that are already embedded.
func runImport(args []string, engine *guidance.Engine, force bool) {
	var path string
	for _, a := range args {
		if a == "--force" {
			force = true
			continue
		}
		path = a
	}
	if path == "" {
		fmt.Println("usage: termguide import [--force] <corpus-file>")
		os.Exit(1)
	}

	c, err := corpus.LoadFile(path)
	if err != nil {
		log.Fatalf("Failed to load corpus %s: %v", path, err)
	}
	fmt.Printf("Loaded corpus %s: version=%s patterns=%d anchors=%d\n",
		path, c.Version, len(c.Patterns), len(c.Anchors))

	start := time.Now()
	stats, err := engine.BuildIndex(c, force)
	if err != nil {
		log.Fatalf("Index build failed: %v", err)
	}
	fmt.Printf("Index built in %s: %d patterns indexed\n", time.Since(start).Round(time.Millisecond), stats.TotalIndexed)
	printCategoryCounts(stats.PatternsPerCategory)
}

// runBuildIndex is import with --force implied unless overridden,
// intended for full re-embeds after a model change.
func runBuildIndex(args []string, engine *guidance.Engine) {
	runImport(args, engine, true)
}

// runStats prints the current index statistics as JSON.
func runStats(engine *guidance.Engine) {
	stats := engine.Stats()
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode stats: %v", err)
	}
	fmt.Println(string(out))
}

func printCategoryCounts(counts map[string]int) {
	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Printf("  %-30s %d\n", c, counts[c])
	}
}

// printUsage prints CLI usage information.
func printUsage() {
	fmt.Println(`Usage:
  termguide                          start the HTTP server (default port 8080)
  termguide serve                    same as above
  termguide import <corpus-file>     load a corpus (.json/.xlsx/.xls) and index
                                     new patterns incrementally
  termguide build-index <corpus-file>  clear and fully rebuild the index,
                                     re-embedding every pattern and anchor
  termguide stats                    print index statistics as JSON
  termguide help                     show this help

import command:
  Parses the corpus file, validates patterns and negative anchors, embeds
  anything not already indexed, and persists the corpus for fast restarts.
  Re-running import with an unchanged corpus makes no embedding API calls.

  Examples:
    termguide import ./data/corpus.json
    termguide import ./data/terms.xlsx

build-index command:
  Same as import but drops the existing index first. Use after changing the
  embedding model or when the corpus has been heavily edited in place.`)
}
