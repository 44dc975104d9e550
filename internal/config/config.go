// Package config loads Nexus's configuration from Viper-bound flags,
// environment variables, and config files, following the key names fixed
// by spec.md §6.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	StorageBackend         string // storage.backend: "local" | "s3"
	MetadataURL            string // metadata.url
	PermissionsEnforce     bool   // permissions.enforce (default true)
	PermissionsAdminBypass bool   // permissions.admin_bypass (default false)
	CacheL1SizeMB          int    // cache.l1.size_mb
	CacheContentSizeMB     int    // cache.content.size_mb
	ServerHost             string
	ServerPort             int
	JWTSecret              string
	DeadlineDefaultMS      int

	LocalFSRoot string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	RedisURL    string
}

// Load builds a Config from a Viper instance already populated by the
// caller's flag bindings (see cmd/nexusd), matching the EnvConfig
// prefix/default convention this module is grounded on.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("NEXUS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		StorageBackend:         v.GetString("storage.backend"),
		MetadataURL:            v.GetString("metadata.url"),
		PermissionsEnforce:     v.GetBool("permissions.enforce"),
		PermissionsAdminBypass: v.GetBool("permissions.admin_bypass"),
		CacheL1SizeMB:          v.GetInt("cache.l1.size_mb"),
		CacheContentSizeMB:     v.GetInt("cache.content.size_mb"),
		ServerHost:             v.GetString("server.host"),
		ServerPort:             v.GetInt("server.port"),
		JWTSecret:              v.GetString("jwt.secret"),
		DeadlineDefaultMS:      v.GetInt("deadline.default_ms"),
		LocalFSRoot:            v.GetString("storage.local.root"),
		S3Bucket:               v.GetString("storage.s3.bucket"),
		S3Region:               v.GetString("storage.s3.region"),
		S3Endpoint:             v.GetString("storage.s3.endpoint"),
		RedisURL:               v.GetString("cache.redis.url"),
	}

	if cfg.StorageBackend == "" {
		return nil, fmt.Errorf("storage.backend is required")
	}
	if cfg.MetadataURL == "" {
		return nil, fmt.Errorf("metadata.url is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt.secret is required")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", "local")
	v.SetDefault("permissions.enforce", true)
	v.SetDefault("permissions.admin_bypass", false)
	v.SetDefault("cache.l1.size_mb", 64)
	v.SetDefault("cache.content.size_mb", 256)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("deadline.default_ms", 30000)
	v.SetDefault("storage.local.root", "./data/blobs")
	v.SetDefault("cache.redis.url", "")
}

// DefaultDeadline returns the configured default deadline as a duration.
func (c *Config) DefaultDeadline() time.Duration {
	return time.Duration(c.DeadlineDefaultMS) * time.Millisecond
}
