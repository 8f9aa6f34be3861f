package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "TREESYNC"
	configFileName = "treesync"
)

// flag name -> config key
var configKeys = map[string]string{
	"server":              "server_url",
	"repo":                "repo",
	"branch":              "branch",
	"remote-root":         "remote_root",
	"local-dir":           "local_dir",
	"manifest":            "manifest",
	"include":             "include",
	"ignore":              "ignore",
	"prune":               "prune",
	"verify-local":        "verify_local",
	"version-check":       "version_check",
	"env-file":            "env_file",
	"token-env":           "token_env",
	"crawl-workers":       "crawl_workers",
	"page-workers":        "page_workers",
	"download-workers":    "download_workers",
	"retries":             "retries",
	"retry-backoff":       "retry_backoff",
	"max-retry-backoff":   "max_retry_backoff",
	"rate-limit-retries":  "rate_limit_retries",
	"rate-limit-backoff":  "rate_limit_backoff",
	"max-rate-limit-wait": "max_rate_limit_wait",
	"request-timeout":     "request_timeout",
	"max-conns-per-host":  "max_conns_per_host",
}

func addConfigFlags(cmd *cobra.Command) {
	def := config.Default()
	flags := cmd.PersistentFlags()
	flags.SortFlags = false

	flags.String("server", def.ServerURL, "GitHub API url")
	flags.String("repo", def.Repo, "Repository as owner/name")
	flags.StringP("branch", "b", def.Branch, "Branch, tag or commit to mirror")
	flags.StringP("remote-root", "r", def.RemoteRoot, "Repository directory to mirror")
	flags.StringP("local-dir", "o", def.LocalDir, "Local mirror directory")
	flags.String("manifest", "", "Manifest path (default <local-dir>/.manifest.json)")
	flags.StringSlice("include", nil, "Only mirror paths matching these globs")
	flags.StringSlice("ignore", nil, "Extra gitignore rules")
	flags.Bool("prune", false, "Delete local files that were removed remotely")
	flags.Bool("verify-local", false, "Re-download tracked files missing on disk")
	flags.Bool("version-check", false, "Skip the sync when the remote version.json matches the local copy")
	flags.String("env-file", def.EnvFile, "Env file to load before reading the token")
	flags.String("token-env", def.TokenEnv, "Environment variable holding the GitHub token")
	flags.Int("crawl-workers", def.CrawlWorkers, "Concurrent directory listings")
	flags.Int("page-workers", def.PageWorkers, "Concurrent extra pages per directory")
	flags.Int("download-workers", def.DownloadWorkers, "Concurrent downloads")
	flags.Int("retries", def.Retries, "Download attempts per file")
	flags.Duration("retry-backoff", def.RetryBackoff, "First download retry delay")
	flags.Duration("max-retry-backoff", def.MaxRetryBackoff, "Longest download retry delay")
	flags.Int("rate-limit-retries", def.RateLimitRetries, "Re-queues of a rate limited directory")
	flags.Duration("rate-limit-backoff", def.RateLimitBackoff, "Rate limit delay step without a server hint")
	flags.Duration("max-rate-limit-wait", def.MaxRateLimitWait, "Longest rate limit wait")
	flags.Duration("request-timeout", def.RequestTimeout, "Timeout per HTTP request")
	flags.Int("max-conns-per-host", def.MaxConnsPerHost, "HTTP connection pool size per host")
}

// loadConfig merges flags, TREESYNC_* environment, the env file and an optional
// config file. The result is not validated.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	envFile := flagValue(cmd, "env-file")
	if envFile != "" && utils.FileExists(envFile) {
		// never overrides variables already set
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("env file '%s': %w", envFile, err)
		}
	}

	if path := flagValue(cmd, "config"); path != "" {
		v.SetConfigFile(path)
	} else if path := os.Getenv(envPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(configFileName)
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	for name, key := range configKeys {
		flag := lookupFlag(cmd, name)
		if flag == nil {
			return nil, fmt.Errorf("flag --%s not registered", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := config.Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	return cfg, nil
}

// lookupFlag finds a flag whether or not cobra has merged persistent flags yet.
func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags(), cmd.InheritedFlags()} {
		if f := fs.Lookup(name); f != nil {
			return f
		}
	}
	return nil
}

func flagValue(cmd *cobra.Command, name string) string {
	if f := lookupFlag(cmd, name); f != nil {
		return f.Value.String()
	}
	return ""
}
