// Package cli implements the onto maintenance tool: storage init, commit
// and event inspection, index verify/repair, and compaction. It drives the
// core through the same boundary operations the programmatic API uses.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ontolog/ontolog"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	StorageURI string
	ConfigPath string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the onto maintenance tool.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "onto",
		Short: "onto - ontology store maintenance",
		Long:  "Maintenance tooling for the append-only ontology store and its event bus.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.StorageURI, "storage-uri", "", "datastore URI (sqlite:///path or s3://bucket/prefix)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewCommitsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewIndexCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// fileConfig is the YAML shape of the maintenance tool's config file.
type fileConfig struct {
	StorageURI       string `yaml:"storage_uri"`
	DefaultNamespace string `yaml:"default_namespace"`

	MaxBatchSize       int `yaml:"max_batch_size"`
	MaxEventChainDepth int `yaml:"max_event_chain_depth"`
	EventMaxAttempts   int `yaml:"event_max_attempts"`

	EventPollIntervalMS        int `yaml:"event_poll_interval_ms"`
	EventClaimLimit            int `yaml:"event_claim_limit"`
	MaxEventsPerIteration      int `yaml:"max_events_per_iteration"`
	EventClaimLeaseMS          int `yaml:"event_claim_lease_ms"`
	EventRetentionMS           int `yaml:"event_retention_ms"`
	SessionHeartbeatIntervalMS int `yaml:"session_heartbeat_interval_ms"`
	SessionTTLMS               int `yaml:"session_ttl_ms"`
	EventBackoffBaseMS         int `yaml:"event_backoff_base_ms"`
	EventBackoffMaxMS          int `yaml:"event_backoff_max_ms"`

	S3Region            string `yaml:"s3_region"`
	S3EndpointURL       string `yaml:"s3_endpoint_url"`
	S3LockTimeoutMS     int    `yaml:"s3_lock_timeout_ms"`
	S3LeaseTTLMS        int    `yaml:"s3_lease_ttl_ms"`
	S3RequestTimeoutS   int    `yaml:"s3_request_timeout_s"`
	S3DuckDBMemoryLimit string `yaml:"s3_duckdb_memory_limit"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// loadConfig resolves the storage URI and runtime config from flags plus an
// optional YAML file; flags win.
func loadConfig(opts *RootOptions) (string, ontolog.Config, error) {
	var fc fileConfig
	if opts.ConfigPath != "" {
		raw, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return "", ontolog.Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return "", ontolog.Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	uri := opts.StorageURI
	if uri == "" {
		uri = fc.StorageURI
	}
	if uri == "" {
		return "", ontolog.Config{}, fmt.Errorf("no storage URI: pass --storage-uri or set storage_uri in the config file")
	}

	cfg := ontolog.Config{
		MaxBatchSize:             fc.MaxBatchSize,
		DefaultNamespace:         fc.DefaultNamespace,
		MaxEventChainDepth:       fc.MaxEventChainDepth,
		EventMaxAttempts:         fc.EventMaxAttempts,
		EventPollInterval:        ms(fc.EventPollIntervalMS),
		EventClaimLimit:          fc.EventClaimLimit,
		MaxEventsPerIteration:    fc.MaxEventsPerIteration,
		EventClaimLease:          ms(fc.EventClaimLeaseMS),
		EventRetention:           ms(fc.EventRetentionMS),
		SessionHeartbeatInterval: ms(fc.SessionHeartbeatIntervalMS),
		SessionTTL:               ms(fc.SessionTTLMS),
		EventBackoffBase:         ms(fc.EventBackoffBaseMS),
		EventBackoffMax:          ms(fc.EventBackoffMaxMS),
		S3Region:                 fc.S3Region,
		S3EndpointURL:            fc.S3EndpointURL,
		S3LockTimeout:            ms(fc.S3LockTimeoutMS),
		S3LeaseTTL:               ms(fc.S3LeaseTTLMS),
		S3RequestTimeout:         time.Duration(fc.S3RequestTimeoutS) * time.Second,
		S3DuckDBMemoryLimit:      fc.S3DuckDBMemoryLimit,
		S3UseDuckDB:              true,
	}
	return uri, cfg, nil
}

func openSession(opts *RootOptions) (*ontolog.Session, error) {
	uri, cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return ontolog.Open(uri, ontolog.WithConfig(cfg))
}

// emit renders a result in the selected output format.
func emit(cmd *cobra.Command, opts *RootOptions, v any) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v\n", v)
	return nil
}
