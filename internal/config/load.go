// Package config loads runner configuration from flags, environment and
// the optional config file, and parses the notebook-level config.toml.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes viper from an optional config file, .env and the
// BRAIN_* environment.
func Load(cfgFile string) {
	// explicit .env loading; absence is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("BRAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// A missing config file is not an error; env and defaults suffice.
	_ = viper.ReadInConfig()
}

func setDefaults() {
	home, _ := os.UserHomeDir()

	viper.SetDefault("dir", filepath.Join(home, "brain"))
	viper.SetDefault("api_url", "")
	viper.SetDefault("api_port", 4333)
	viper.SetDefault("max_parallel", 2)
	viper.SetDefault("poll_interval", 2*time.Second)
	viper.SetDefault("store_timeout", 10*time.Second)
	viper.SetDefault("cancel_grace", 30*time.Second)
	viper.SetDefault("task_timeout", 4*time.Hour)
	viper.SetDefault("memory_threshold", 10.0)
	viper.SetDefault("log_ring", 200)
	viper.SetDefault("agent", "claude")
	viper.SetDefault("model", "")
	viper.SetDefault("workdir", "")
	viper.SetDefault("metrics_port", 2112)
	viper.SetDefault("multi_runner", false)
	viper.SetDefault("spawner", "local")
	viper.SetDefault("sandbox_image", "")
	viper.SetDefault("db_url", "")

	slackEnabled := os.Getenv("SLACK_BOT_USER_TOKEN") != ""
	viper.SetDefault("notifications.slack.enabled", slackEnabled)
	viper.SetDefault("notifications.slack.channel", "#general")
	viper.SetDefault("notifications.slack.events", []string{"on_success", "on_failure"})
}

// Settings is the resolved runner configuration.
type Settings struct {
	BrainDir        string
	APIURL          string
	APIPort         int
	Projects        []string
	MaxParallel     int
	PollInterval    time.Duration
	StoreTimeout    time.Duration
	CancelGrace     time.Duration
	TaskTimeout     time.Duration
	MemoryThreshold float64
	LogRing         int
	Agent           string
	Model           string
	DefaultWorkdir  string
	MetricsPort     int
	MultiRunner     bool
	Spawner         string
	SandboxImage    string
	DBURL           string
}

// FromViper snapshots the current viper state into Settings.
func FromViper() Settings {
	return Settings{
		BrainDir:        viper.GetString("dir"),
		APIURL:          viper.GetString("api_url"),
		APIPort:         viper.GetInt("api_port"),
		Projects:        viper.GetStringSlice("projects"),
		MaxParallel:     viper.GetInt("max_parallel"),
		PollInterval:    viper.GetDuration("poll_interval"),
		StoreTimeout:    viper.GetDuration("store_timeout"),
		CancelGrace:     viper.GetDuration("cancel_grace"),
		TaskTimeout:     viper.GetDuration("task_timeout"),
		MemoryThreshold: viper.GetFloat64("memory_threshold"),
		LogRing:         viper.GetInt("log_ring"),
		Agent:           viper.GetString("agent"),
		Model:           viper.GetString("model"),
		DefaultWorkdir:  viper.GetString("workdir"),
		MetricsPort:     viper.GetInt("metrics_port"),
		MultiRunner:     viper.GetBool("multi_runner"),
		Spawner:         viper.GetString("spawner"),
		SandboxImage:    viper.GetString("sandbox_image"),
		DBURL:           viper.GetString("db_url"),
	}
}

// IndexDBPath returns the index database location for sqlite deployments.
func (s Settings) IndexDBPath() string {
	if s.DBURL != "" {
		return s.DBURL
	}
	return filepath.Join(s.BrainDir, "index.db")
}
