// Package config loads the service configuration from defaults, an optional
// config.yaml, the environment and command line flags, in increasing order
// of priority.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"raidstore/internal/storage"
)

// Config holds the application configuration.
type Config struct {
	NumDisks     int
	UploadPath   string
	FolderPrefix string
	// DiskRoots overrides the roots derived from UploadPath and FolderPrefix.
	DiskRoots []string

	MaxSize       int64
	MetadataPath  string
	VerifyRetries int
	VerifyBackoff time.Duration

	Listen   string
	LogLevel string

	AdminUser     string
	AdminPassword string
	// AdminUsers holds additional admin credentials, user to password.
	AdminUsers map[string]string

	S3AccessKey string
	S3SecretKey string
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("num_disks", 3)
	v.SetDefault("upload_path", "/var/raid")
	v.SetDefault("folder_prefix", "block")
	v.SetDefault("disk_roots", "")
	v.SetDefault("max_size", "10MiB")
	v.SetDefault("metadata_path", "")
	v.SetDefault("verify_retries", 3)
	v.SetDefault("verify_backoff", 10*time.Millisecond)
	v.SetDefault("listen", ":8000")
	v.SetDefault("log_level", "info")
	v.SetDefault("admin_user", "")
	v.SetDefault("admin_password", "")
	v.SetDefault("admin_users", map[string]string{})
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
}

// setupViper configures v with defaults, paths and bindings. Flags are bound
// to the key with the same name, dashes replaced by underscores.
func setupViper(v *viper.Viper, configPath string, flags *pflag.FlagSet) error {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	setDefaults(v)
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		})
		if bindErr != nil {
			return fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// Load reads the configuration. configPath names an explicit config file and
// may be empty; flags may be nil.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := setupViper(v, configPath, flags); err != nil {
		return nil, err
	}

	maxSize, err := humanize.ParseBytes(v.GetString("max_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid max_size %q: %w", v.GetString("max_size"), err)
	}

	cfg := &Config{
		NumDisks:      v.GetInt("num_disks"),
		UploadPath:    v.GetString("upload_path"),
		FolderPrefix:  v.GetString("folder_prefix"),
		DiskRoots:     stringList(v.Get("disk_roots")),
		MaxSize:       int64(maxSize),
		MetadataPath:  v.GetString("metadata_path"),
		VerifyRetries: v.GetInt("verify_retries"),
		VerifyBackoff: v.GetDuration("verify_backoff"),
		Listen:        v.GetString("listen"),
		LogLevel:      v.GetString("log_level"),
		AdminUser:     v.GetString("admin_user"),
		AdminPassword: v.GetString("admin_password"),
		AdminUsers:    v.GetStringMapString("admin_users"),
		S3AccessKey:   v.GetString("s3_access_key"),
		S3SecretKey:   v.GetString("s3_secret_key"),
	}

	if cfg.MetadataPath == "" {
		cfg.MetadataPath = filepath.Join(cfg.UploadPath, "metadata.sqlite")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stringList accepts either a comma separated string or a list.
func stringList(raw any) []string {
	var items []string
	switch val := raw.(type) {
	case nil:
	case string:
		items = strings.Split(val, ",")
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	default:
		items = []string{fmt.Sprint(val)}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports the first problem with cfg.
func (c *Config) Validate() error {
	switch {
	case c.NumDisks < 2:
		return fmt.Errorf("num_disks must be at least 2, got %d", c.NumDisks)
	case len(c.DiskRoots) > 0 && len(c.DiskRoots) != c.NumDisks:
		return fmt.Errorf("disk_roots lists %d roots but num_disks is %d", len(c.DiskRoots), c.NumDisks)
	case len(c.DiskRoots) == 0 && c.UploadPath == "":
		return errors.New("upload_path must not be empty")
	case c.MaxSize <= 0:
		return fmt.Errorf("max_size must be positive, got %d", c.MaxSize)
	case c.VerifyRetries < 0:
		return fmt.Errorf("verify_retries must not be negative, got %d", c.VerifyRetries)
	case c.VerifyBackoff < 0:
		return fmt.Errorf("verify_backoff must not be negative, got %s", c.VerifyBackoff)
	case c.Listen == "":
		return errors.New("listen must not be empty")
	}

	if len(c.DiskRoots) == 0 && !storage.ValidName(c.FolderPrefix+"-0") {
		return fmt.Errorf("invalid folder_prefix %q", c.FolderPrefix)
	}
	return nil
}

// Roots returns the root of every disk, in disk order.
func (c *Config) Roots() []string {
	if len(c.DiskRoots) > 0 {
		return c.DiskRoots
	}

	roots := make([]string, c.NumDisks)
	for i := range roots {
		roots[i] = filepath.Join(c.UploadPath, fmt.Sprintf("%s-%d", c.FolderPrefix, i))
	}
	return roots
}
