package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"sagebot/internal/chunker"
	"sagebot/internal/config"
	"sagebot/internal/embedding"
	"sagebot/internal/embedding/hashing"
	"sagebot/internal/embedding/openai"
	"sagebot/internal/extract"
	"sagebot/internal/index"
	"sagebot/internal/logging"
	"sagebot/internal/retrieval"
	"sagebot/internal/service"
	"sagebot/internal/summarizer"
	"sagebot/internal/tui"
	"sagebot/internal/vectorstore"
	"sagebot/internal/vectorstore/disk"
	"sagebot/internal/vectorstore/qdrant"
)

func main() {
	_ = godotenv.Load()

	var (
		cfgPath    string
		indexKey   string
		list       bool
		compressed bool
	)
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ~/.config/sagebot/config.yaml if not provided)")
	flag.StringVar(&indexKey, "index", "", "Load a previously built index by key instead of indexing sources")
	flag.BoolVar(&list, "list", false, "List stored indices and exit")
	flag.BoolVar(&compressed, "compressed", false, "Filter retrieved chunks by embedding similarity (overrides config)")
	flag.Parse()
	sources := flag.Args()
	if len(sources) == 0 && indexKey == "" && !list {
		fmt.Println("Usage: sagebot [--config=config.yaml] [--index=key] [--list] [--compressed] source1.md [https://... ...]")
		os.Exit(1)
	}

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "compressed" {
			cfg.Retriever.Compressed = compressed
		}
	})

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Assemble components
	var emb embedding.Embedder
	switch cfg.Embedder.Type {
	case "hashing":
		emb = hashing.NewEmbedder(cfg.Embedder.Hashing.Dims)
	case "openai":
		o := cfg.Embedder.OpenAI
		emb = openai.NewClient(openai.Config{
			BaseURL:           o.BaseURL,
			APIKeyEnv:         o.APIKeyEnv,
			Model:             o.Model,
			Dimensions:        o.Dimensions,
			Timeout:           time.Duration(o.TimeoutSecs) * time.Second,
			BatchSize:         o.BatchSize,
			RequestsPerSecond: o.RequestsPerSecond,
			MaxRetries:        o.MaxRetries,
		})
	default:
		log.Fatalf("unknown embedder: %s", cfg.Embedder.Type)
	}

	var st vectorstore.Store
	switch cfg.Index.Backend {
	case "disk":
		st = disk.NewStore(cfg.Index.Dir, logger)
	case "qdrant":
		q := cfg.Index.Qdrant
		qs, err := qdrant.New(qdrant.Config{Addr: q.Addr, APIKey: q.APIKey, Prefix: q.CollectionPrefix}, logger)
		if err != nil {
			log.Fatalf("qdrant init failed: %v", err)
		}
		defer func() { _ = qs.Close() }()
		st = qs
	default:
		log.Fatalf("unknown index backend: %s", cfg.Index.Backend)
	}

	ch := chunker.NewRecursiveChunker(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap)
	manager := index.NewManager(st, ch, emb, index.Options{
		BatchSize: cfg.Index.BatchSize,
		CacheTTL:  cfg.CacheTTL(),
	}, logger)
	composer := retrieval.NewComposer(emb, retrieval.Options{
		K:                   cfg.Retriever.K,
		FetchK:              cfg.Retriever.FetchK,
		Lambda:              cfg.Retriever.Lambda,
		ScoreThreshold:      cfg.Retriever.ScoreThreshold,
		SimilarityThreshold: cfg.Retriever.SimilarityThreshold,
	})
	session := service.NewSession(manager, composer, service.Config{
		K:            cfg.Retriever.K,
		Compressed:   cfg.Retriever.Compressed,
		BuildTimeout: cfg.BuildTimeout(),
	}, logger)

	ctx := context.Background()
	if list {
		infos, err := session.ListIndices(ctx)
		if err != nil {
			log.Fatalf("list failed: %v", err)
		}
		for _, info := range infos {
			fmt.Printf("%s\t%d\t%s\n", info.Key, info.Chunks, info.ModTime.Format(time.RFC3339))
		}
		return
	}

	loader := extract.NewLoader(30 * time.Second)
	switch {
	case indexKey != "":
		// Failures are reported through the session status shown by the TUI.
		if err := session.LoadExisting(ctx, indexKey); err != nil {
			logger.Warn("initial index load failed", zap.String("key", indexKey), zap.Error(err))
		}
	default:
		doc, err := loader.LoadAll(ctx, sources)
		if err != nil {
			log.Fatalf("failed to read sources: %v", err)
		}
		logger.Info("sources loaded", zap.Strings("sources", sources), zap.Int("chars", len(doc.Content)))
		session.StartBuild(doc.Content)
	}

	m := tui.New(session, loader, summarizer.NewFrequencySummarizer(), cfg.Retriever.DigestSentences)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		log.Fatal(err)
	}
}
