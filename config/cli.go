package config

import (
	"flag"
	"fmt"
	"os"
)

type Cli struct {
	Port             int
	PromPort         int
	APIToken         string
	JWTSecret        string
	StorageRoot      string
	ConfigFile       string
	InferenceURL     string
	VisionURL        string
	VisionModelID    string
	EmbeddingModel   string
	SurrealURL       string
	SurrealNamespace string
	SurrealDatabase  string
	SurrealUser      string
	SurrealPass      string
	Neo4jURI         string
	Neo4jUser        string
	Neo4jPassword    string
	PipelineTimeout  int
	MaxWorkers       int
}

// RequireDBCredentials enforces that the persistence credentials were set.
// They deliberately have no defaults.
func (cli *Cli) RequireDBCredentials() error {
	if cli.SurrealUser == "" || cli.SurrealPass == "" {
		return fmt.Errorf("SURREALDB_USER and SURREALDB_PASS must be set")
	}
	return nil
}

// AddFlags registers all CLI flags. Each flag falls back to its environment
// variable via ff's WithEnvVarNoPrefix, so -surreal-user maps to SURREAL_USER
// and so on; the DB credential flags read the legacy SURREALDB_* names.
func (cli *Cli) AddFlags(fs *flag.FlagSet) {
	fs.IntVar(&cli.Port, "port", 8080, "Port to listen on")
	fs.IntVar(&cli.PromPort, "prom-port", 2112, "Prometheus metrics port")
	fs.StringVar(&cli.APIToken, "api-token", "", "Bearer token for the API surface; empty disables token auth")
	fs.StringVar(&cli.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "HMAC secret for reviewer identity tokens; empty records decisions as anonymous")
	fs.StringVar(&cli.StorageRoot, "storage-root", "storage", "Root directory for uploads, captures and processed output")
	fs.StringVar(&cli.ConfigFile, "config", "config/detection.yaml", "Path to the hierarchical YAML configuration")
	fs.StringVar(&cli.InferenceURL, "inference-url", "http://127.0.0.1:9090", "Base URL of the batched detection inference sidecar")
	fs.StringVar(&cli.VisionURL, "vision-url", envOr("MULTIMODAL_MODEL_URL", "http://127.0.0.1:9091/v1"), "Base URL of the multimodal LLM endpoint")
	fs.StringVar(&cli.VisionModelID, "vision-model-id", envOr("MULTIMODAL_MODEL_ID", "google/gemma-3-4b-it"), "Model ID for the multimodal LLM")
	fs.StringVar(&cli.EmbeddingModel, "embedding-model", envOr("EMBEDDING_MODEL", "sentence-transformers/all-MiniLM-L6-v2"), "Embedding model used for knowledge graph vector search")
	fs.StringVar(&cli.SurrealURL, "surreal-url", surrealURLFromEnv(), "SurrealDB websocket URL")
	fs.StringVar(&cli.SurrealNamespace, "surreal-namespace", envOr("SURREALDB_NAMESPACE", "test"), "SurrealDB namespace")
	fs.StringVar(&cli.SurrealDatabase, "surreal-db", envOr("SURREALDB_DB", "occultashield"), "SurrealDB database")
	fs.StringVar(&cli.SurrealUser, "surreal-user", os.Getenv("SURREALDB_USER"), "SurrealDB username (required)")
	fs.StringVar(&cli.SurrealPass, "surreal-pass", os.Getenv("SURREALDB_PASS"), "SurrealDB password (required)")
	fs.StringVar(&cli.Neo4jURI, "neo4j-uri", envOr("NEO4J_URI", "bolt://localhost:7687"), "Neo4j bolt URI for the GDPR knowledge graph")
	fs.StringVar(&cli.Neo4jUser, "neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
	fs.StringVar(&cli.Neo4jPassword, "neo4j-password", envOr("NEO4J_PASSWORD", "password"), "Neo4j password")
	fs.IntVar(&cli.PipelineTimeout, "pipeline-timeout", 3600, "Phase-1 deadline in seconds")
	fs.IntVar(&cli.MaxWorkers, "max-workers", 4, "Bound on concurrent vision LLM calls")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func surrealURLFromEnv() string {
	if url := os.Getenv("SURREALDB_URL"); url != "" {
		return url
	}
	host := envOr("SURREALDB_HOST", "localhost")
	port := envOr("SURREALDB_PORT", "8000")
	return fmt.Sprintf("ws://%s:%s/rpc", host, port)
}
