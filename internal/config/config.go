// Package config collects every runtime switch into a single immutable
// record built once at startup, per the teacher's config.Load() pattern
// and spec.md §9 ("no re-reads of the environment during request handling").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Service describes process-identity fields used in logs and health output.
type Service struct {
	Name        string
	Version     string
	Environment string
}

// HTTP controls the listener and timeouts for the API surface.
type HTTP struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Store controls which State Store backend is active and how to reach it.
type Store struct {
	// Backend is "embedded" or "networked".
	Backend string
	// SQLitePath is the embedded backend's database file.
	SQLitePath string
	// PostgresDSN is the networked backend's connection string.
	PostgresDSN string
}

// Auth controls the authenticated-actor-resolution collaborator.
type Auth struct {
	// Mode is "local", "idp", or "mixed".
	Mode               string
	JWTSecret          string
	IDPJWKSPath        string
	IDPIssuer          string
	IDPAudience        string
	IDPRoleClaim       string
	AllowTrustedSSO    bool
	AllowCompatHeaders bool
}

// Approvals controls the approval-queue expiry sweep (spec.md §9 Open
// Question, resolved in SPEC_FULL.md as "implemented, default-disabled").
type Approvals struct {
	ExpirySweepEnabled   bool
	ExpirySweepInterval  time.Duration
	ItemTTL              time.Duration
	DefaultApproverGroup string
}

// Reports controls where rendered artifacts are written.
type Reports struct {
	Root string
}

// Notify controls the best-effort NATS event mirror.
type Notify struct {
	URL string
}

// Config is the fully-resolved, immutable configuration record.
type Config struct {
	Service   Service
	HTTP      HTTP
	Store     Store
	Auth      Auth
	Approvals Approvals
	Reports   Reports
	Notify    Notify
	MaxRetry  int
}

// Load builds a Config from defaults, an optional YAML file, and
// ORC_-prefixed environment variables, in that priority order (lowest to
// highest).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("orchestrator")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Service: Service{
			Name:        v.GetString("service.name"),
			Version:     v.GetString("service.version"),
			Environment: v.GetString("service.environment"),
		},
		HTTP: HTTP{
			Addr:            v.GetString("http.addr"),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Store: Store{
			Backend:     v.GetString("store.backend"),
			SQLitePath:  v.GetString("store.sqlite_path"),
			PostgresDSN: v.GetString("store.postgres_dsn"),
		},
		Auth: Auth{
			Mode:               v.GetString("auth.mode"),
			JWTSecret:          v.GetString("auth.jwt_secret"),
			IDPJWKSPath:        v.GetString("auth.idp_jwks_path"),
			IDPIssuer:          v.GetString("auth.idp_issuer"),
			IDPAudience:        v.GetString("auth.idp_audience"),
			IDPRoleClaim:       v.GetString("auth.idp_role_claim"),
			AllowTrustedSSO:    v.GetBool("auth.allow_trusted_sso_headers"),
			AllowCompatHeaders: v.GetBool("auth.allow_compat_headers"),
		},
		Approvals: Approvals{
			ExpirySweepEnabled:   v.GetBool("approvals.expiry_sweep_enabled"),
			ExpirySweepInterval:  v.GetDuration("approvals.expiry_sweep_interval"),
			ItemTTL:              v.GetDuration("approvals.item_ttl"),
			DefaultApproverGroup: v.GetString("approvals.default_approver_group"),
		},
		Reports: Reports{
			Root: v.GetString("reports.root"),
		},
		Notify: Notify{
			URL: v.GetString("nats.url"),
		},
		MaxRetry: v.GetInt("pipeline.max_retry"),
	}

	if cfg.Store.Backend != "embedded" && cfg.Store.Backend != "networked" {
		return nil, fmt.Errorf("unsupported store backend: %q", cfg.Store.Backend)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "orchestratord")
	v.SetDefault("service.version", "0.1.0")
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.backend", "embedded")
	v.SetDefault("store.sqlite_path", "data/orchestrator.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("auth.mode", "mixed")
	v.SetDefault("auth.jwt_secret", "orchestrator-dev-secret-change")
	v.SetDefault("auth.idp_jwks_path", "")
	v.SetDefault("auth.idp_issuer", "")
	v.SetDefault("auth.idp_audience", "")
	v.SetDefault("auth.idp_role_claim", "role")
	v.SetDefault("auth.allow_trusted_sso_headers", false)
	v.SetDefault("auth.allow_compat_headers", true)

	v.SetDefault("approvals.expiry_sweep_enabled", false)
	v.SetDefault("approvals.expiry_sweep_interval", 1*time.Minute)
	v.SetDefault("approvals.item_ttl", 24*time.Hour)
	v.SetDefault("approvals.default_approver_group", "ops_team")

	v.SetDefault("reports.root", "reports")
	v.SetDefault("nats.url", "")
	v.SetDefault("pipeline.max_retry", 1)
}
