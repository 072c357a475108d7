package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v5"

	"lorekeep/internal/assistant"
	"lorekeep/internal/auth"
	"lorekeep/internal/bitbucket"
	"lorekeep/internal/config"
	"lorekeep/internal/retrieval"
	"lorekeep/internal/server"
	"lorekeep/internal/store"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Fatalf("lorekeepd failed: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lorekeepd", flag.ExitOnError)
	addr := fs.String("addr", ":8731", "HTTP listen address")
	dataDirFlag := fs.String("data-dir", "", "Directory for the database and indexes (default: user cache dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgManager, err := config.NewManager()
	if err != nil {
		return err
	}
	cfg, err := cfgManager.Load()
	if err != nil {
		return err
	}
	applyEnvOverrides(cfg)

	dataDir := *dataDirFlag
	if dataDir == "" {
		dataDir, err = cfgManager.ResolveDataDir(cfg)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	st, err := store.Open(ctx, filepath.Join(dataDir, "lorekeep.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	oauthClient, err := bitbucket.NewOAuthClient(bitbucket.OAuthConfig{
		ClientID:     cfg.BitbucketClientID,
		ClientSecret: cfg.BitbucketClientSecret,
	})
	if err != nil {
		return err
	}
	authManager := auth.NewManager(oauthClient, st)

	var remote *bitbucket.Client
	if cfg.BitbucketBaseURL != "" {
		remote = bitbucket.NewClientWithBaseURL(cfg.BitbucketBaseURL)
	} else {
		remote = bitbucket.NewClient()
	}

	index, err := buildIndex(dataDir, cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	provider := buildProvider(cfg)
	if provider == nil {
		log.Printf("no LLM provider configured; chat endpoints are disabled")
	}

	svc := server.NewService(st, remote, oauthClient, authManager, index, provider)
	if err := svc.RestoreLink(ctx); err != nil {
		return err
	}

	e := echo.New()
	server.NewServer(svc).RegisterRoutes(e)

	log.Printf("listening on %s (data dir %s)", *addr, dataDir)
	return http.ListenAndServe(*addr, e)
}

// applyEnvOverrides lets environment variables win over config.json, so
// deployments can keep secrets out of the file.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("BITBUCKET_CLIENT_ID"); v != "" {
		cfg.BitbucketClientID = v
	}
	if v := os.Getenv("BITBUCKET_CLIENT_SECRET"); v != "" {
		cfg.BitbucketClientSecret = v
	}
	if v := os.Getenv("BITBUCKET_BASE_URL"); v != "" {
		cfg.BitbucketBaseURL = v
	}
	if v := os.Getenv("LOREKEEP_LLM_PROVIDER"); v != "" {
		cfg.LLMProvider = v
	}
	if v := os.Getenv("LOREKEEP_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("LOREKEEP_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("LOREKEEP_EMBEDDING_KEY"); v != "" {
		cfg.EmbeddingKey = v
	}
}

// buildIndex creates the retrieval index. Without an embedding key it
// degrades to keyword-only search via the zero-vector embedder.
func buildIndex(dataDir string, cfg *config.Config) (*retrieval.Index, error) {
	embeddingKey := cfg.EmbeddingKey
	if embeddingKey == "" && cfg.LLMProvider == "openai" {
		embeddingKey = cfg.APIKey
	}

	var embedder retrieval.Embedder
	if embeddingKey != "" {
		embedder = retrieval.NewOpenAIEmbedder(embeddingKey, cfg.BaseURL, "")
	} else {
		log.Printf("no embedding key configured; retrieval falls back to keyword search")
		embedder = retrieval.NewNoOpEmbedder(8)
	}
	return retrieval.New(dataDir, embedder)
}

func buildProvider(cfg *config.Config) assistant.Provider {
	if cfg.APIKey == "" {
		return nil
	}
	switch cfg.LLMProvider {
	case "anthropic":
		model := cfg.Model
		if model == "" {
			model = "claude-sonnet-4-20250514"
		}
		return assistant.NewAnthropicProvider(cfg.APIKey, model)
	case "openai", "":
		model := cfg.Model
		if model == "" {
			model = "gpt-4o"
		}
		return assistant.NewOpenAIProvider(cfg.APIKey, model, cfg.BaseURL)
	default:
		log.Printf("unknown llm provider %q", cfg.LLMProvider)
		return nil
	}
}
