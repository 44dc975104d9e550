// Command nexusd runs the Nexus RPC server: it wires the storage backend,
// metadata store, permission engine, and filesystem core together and
// serves them over the JSON-RPC surface in internal/rpcserver.
//
// Configuration is resolved the way cli/root.go resolves it — command-line
// flags, environment variables, then a config file — via Viper, following
// the key names fixed by spec.md §6.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nexi-lab/nexus/internal/audit"
	"github.com/nexi-lab/nexus/internal/backend"
	"github.com/nexi-lab/nexus/internal/backend/cache"
	"github.com/nexi-lab/nexus/internal/backend/localfs"
	"github.com/nexi-lab/nexus/internal/backend/s3backend"
	"github.com/nexi-lab/nexus/internal/config"
	"github.com/nexi-lab/nexus/internal/fs"
	"github.com/nexi-lab/nexus/internal/logging"
	"github.com/nexi-lab/nexus/internal/metadatastore"
	metaembedded "github.com/nexi-lab/nexus/internal/metadatastore/embedded"
	"github.com/nexi-lab/nexus/internal/metadatastore/postgres"
	"github.com/nexi-lab/nexus/internal/rebac"
	"github.com/nexi-lab/nexus/internal/router"
	"github.com/nexi-lab/nexus/internal/rpcserver"
	"github.com/nexi-lab/nexus/pkg/version"
)

// Exit codes per spec.md §6, checked by operator tooling that wraps nexusd.
const (
	exitOK            = 0
	exitGeneric       = 1
	exitConfig        = 2
	exitDatabaseDown  = 3
	exitBackendDown   = 4
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nexusd",
	Short: "Nexus RPC server",
	Long: `nexusd serves the Nexus JSON-RPC API: content-addressed storage
with ReBAC permission enforcement, behind one mutex-guarded mount table.`,
	Run: runServer,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitGeneric)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.nexusd.yaml or ./.nexusd.yaml)")
	rootCmd.PersistentFlags().String("storage-backend", "", "storage backend: local | s3")
	rootCmd.PersistentFlags().String("storage-local-root", "", "local backend content root")
	rootCmd.PersistentFlags().String("storage-s3-bucket", "", "s3 backend bucket")
	rootCmd.PersistentFlags().String("storage-s3-region", "", "s3 backend region")
	rootCmd.PersistentFlags().String("storage-s3-endpoint", "", "s3-compatible endpoint (empty for AWS)")
	rootCmd.PersistentFlags().String("metadata-url", "", "metadata store URL: bbolt:///path or postgres://...")
	rootCmd.PersistentFlags().Bool("permissions-enforce", true, "enforce ReBAC checks on every operation")
	rootCmd.PersistentFlags().Bool("permissions-admin-bypass", false, "permissions.admin_bypass; loaded into config, not applied to ReBAC checks")
	rootCmd.PersistentFlags().Int("cache-l1-size-mb", 0, "in-process content cache size in MB, 0 disables")
	rootCmd.PersistentFlags().Int("cache-content-size-mb", 0, "deprecated alias of cache-l1-size-mb")
	rootCmd.PersistentFlags().String("cache-redis-url", "", "shared L2 content/decision cache, empty disables")
	rootCmd.PersistentFlags().String("server-host", "0.0.0.0", "server bind host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "server bind port")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 signing secret for bearer tokens and API keys")
	rootCmd.PersistentFlags().Int("deadline-default-ms", 30000, "default per-operation deadline in milliseconds")

	bind := map[string]string{
		"storage.backend":          "storage-backend",
		"storage.local.root":       "storage-local-root",
		"storage.s3.bucket":        "storage-s3-bucket",
		"storage.s3.region":        "storage-s3-region",
		"storage.s3.endpoint":      "storage-s3-endpoint",
		"metadata.url":             "metadata-url",
		"permissions.enforce":      "permissions-enforce",
		"permissions.admin_bypass": "permissions-admin-bypass",
		"cache.l1.size_mb":         "cache-l1-size-mb",
		"cache.content.size_mb":    "cache-content-size-mb",
		"cache.redis.url":          "cache-redis-url",
		"server.host":              "server-host",
		"server.port":              "server-port",
		"jwt.secret":               "jwt-secret",
		"deadline.default_ms":      "deadline-default-ms",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".nexusd")
	}
	_ = viper.ReadInConfig()
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(exitConfig)
	}

	log := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Format:  "json",
		Service: "nexusd",
		Version: version.GetBuildInfo().String(),
	})

	contentBackend, err := buildBackend(cfg)
	if err != nil {
		log.WithError(err).Error("failed to initialize storage backend")
		os.Exit(exitBackendDown)
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.WithError(err).Error("failed to open metadata store")
		os.Exit(exitDatabaseDown)
	}
	defer store.Close()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Error("invalid cache.redis.url")
			os.Exit(exitConfig)
		}
		redisClient = redis.NewClient(opts)
	}

	r := router.New()
	if err := r.AddMount("/", &router.Mount{Backend: contentBackend, Store: store, Priority: 0}); err != nil {
		log.WithError(err).Error("failed to register root mount")
		os.Exit(exitGeneric)
	}

	engine := rebac.New(store, rebac.Config{
		L1MaxEntries: 10000,
		L2Client:     redisClient,
		L2TTL:        30 * time.Second,
		NSMaxEntries: 256,
	})

	if err := seedDefaultNamespaces(context.Background(), engine); err != nil {
		log.WithError(err).Error("failed to seed default namespaces")
		os.Exit(exitGeneric)
	}

	core := fs.New(r, engine, cfg.PermissionsEnforce)

	queue := audit.NewMemQueue(1000)
	pool := audit.NewPool(queue, audit.NewDispatchProcessor(
		audit.NewAuditProcessor(store),
		audit.NewRefcountGCProcessor(store, contentBackend),
	), 2, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()
	core.SetAuditQueue(queue)

	srvCfg := rpcserver.DefaultConfig()
	srvCfg.Host = cfg.ServerHost
	srvCfg.Port = cfg.ServerPort
	srvCfg.JWTSecret = cfg.JWTSecret
	srvCfg.DefaultDeadline = cfg.DefaultDeadline()
	srvCfg.ServiceName = "nexus"
	srvCfg.Version = version.GetBuildInfo().String()

	server := rpcserver.New(srvCfg, core, engine, r, store, log)

	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Error("rpcserver exited")
			os.Exit(exitGeneric)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
		os.Exit(exitGeneric)
	}
}

// seedDefaultNamespaces provisions the "file" and "workspace" namespace
// schemas nexusd's own fs.Core checks and register_workspace's tuple
// writes depend on. PutNamespace overwrites any existing definition for
// the object type, so this runs unconditionally on every startup rather
// than guarding on "already seeded" — a reboot always re-syncs the schema
// this build expects, and an operator wanting a custom schema can still
// override it afterward through rebac_write_namespace.
func seedDefaultNamespaces(ctx context.Context, engine *rebac.Engine) error {
	if err := engine.PutNamespace(ctx, rebac.DefaultFileNamespace()); err != nil {
		return err
	}
	return engine.PutNamespace(ctx, rebac.DefaultWorkspaceNamespace())
}

// buildBackend constructs the content backend named by cfg.StorageBackend,
// wrapping it in the two-tier cache decorator when either cache size is
// configured.
func buildBackend(cfg *config.Config) (backend.Backend, error) {
	var be backend.Backend
	var err error

	switch cfg.StorageBackend {
	case "local", "":
		be, err = localfs.New(cfg.LocalFSRoot)
	case "s3":
		be, err = s3backend.New(context.Background(), s3backend.Config{
			Endpoint: cfg.S3Endpoint,
			Region:   cfg.S3Region,
			Bucket:   cfg.S3Bucket,
		})
	default:
		return nil, fmt.Errorf("unknown storage.backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, err
	}

	maxBytes := int64(cfg.CacheL1SizeMB) * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = int64(cfg.CacheContentSizeMB) * 1024 * 1024
	}
	if maxBytes <= 0 {
		return be, nil
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr == nil {
			redisClient = redis.NewClient(opts)
		}
	}
	return cache.New(be, cache.Config{MaxBytes: maxBytes, RedisClient: redisClient, SharedTTL: 5 * time.Minute}), nil
}

// buildStore opens the metadata store named by cfg.MetadataURL's scheme:
// bbolt:///path/to/file.db for the embedded single-writer store, or
// postgres://... for the multi-writer store.
func buildStore(cfg *config.Config) (metadatastore.Store, error) {
	u, err := url.Parse(cfg.MetadataURL)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata.url: %w", err)
	}

	switch u.Scheme {
	case "bbolt":
		return metaembedded.Open(strings.TrimPrefix(cfg.MetadataURL, "bbolt://"), metadatastore.RoleSingleWriter)
	case "postgres", "postgresql":
		return postgres.Open(context.Background(), cfg.MetadataURL, metadatastore.RoleMultiWriter)
	default:
		return nil, fmt.Errorf("unknown metadata.url scheme %q", u.Scheme)
	}
}
