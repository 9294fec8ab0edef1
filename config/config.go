package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override, e.g. MIRROR_GITHUB_TOKEN.
	// Nested keys use a double underscore: MIRROR_REVIEW__APPROVED_TAG.
	EnvPrefix = "MIRROR_"

	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = EnvPrefix + "GITHUB_TOKEN"
)

// ReviewSettings controls the approval workflow and how imported content is
// rendered. It is passed explicitly to every component that needs it.
type ReviewSettings struct {
	PendingTag  string `koanf:"pending_tag"`
	FollowupTag string `koanf:"followup_tag"`
	ApprovedTag string `koanf:"approved_tag"`

	// AllowSelfApproval lets a commit author approve their own commit.
	AllowSelfApproval bool `koanf:"allow_self_approval"`

	// NotificationWindow is how long an unread approval notification keeps
	// absorbing further approvals instead of a new one being sent.
	NotificationWindow time.Duration `koanf:"notification_window"`

	AutoUnassignOnApproval bool `koanf:"auto_unassign_on_approval"`
	AutoAssignOnFollowup   bool `koanf:"auto_assign_on_followup"`

	// MaxDiffLength truncates commit diffs imported into topics.
	MaxDiffLength int `koanf:"max_diff_length"`

	// MutexTimeout bounds the wait for a named store mutex.
	MutexTimeout time.Duration `koanf:"mutex_timeout"`

	// MutexValidity is how long a held mutex stays valid before another
	// worker may take it over.
	MutexValidity time.Duration `koanf:"mutex_validity"`

	// LinkBaseURL prefixes topic links produced by the SHA auto-linker.
	LinkBaseURL string `koanf:"link_base_url"`
}

// Config represents the application configuration
type Config struct {
	// GitHub API token for authentication (optional, can be set via MIRROR_GITHUB_TOKEN env var)
	GitHubToken string `koanf:"github_token"`

	// Path to the SQLite database file
	DatabasePath string `koanf:"database_path"`

	// List of repositories to sync in the format "owner/name"
	Repositories []string `koanf:"repositories"`

	// Local checkouts used to import commits, keyed by "owner/name"
	Checkouts map[string]string `koanf:"checkouts"`

	// Number of pull requests synced in parallel
	Workers int `koanf:"workers"`

	// Base URL of a GitHub Enterprise server, empty for github.com
	EnterpriseURL string `koanf:"enterprise_url"`

	// Maximum GitHub API requests per second
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	LogLevel string `koanf:"log_level"`

	Review ReviewSettings `koanf:"review"`
}

// DefaultReviewSettings returns the settings used when the config file omits them
func DefaultReviewSettings() ReviewSettings {
	return ReviewSettings{
		PendingTag:             "pending",
		FollowupTag:            "followup",
		ApprovedTag:            "approved",
		AllowSelfApproval:      false,
		NotificationWindow:     24 * time.Hour,
		AutoUnassignOnApproval: true,
		AutoAssignOnFollowup:   true,
		MaxDiffLength:          8000,
		MutexTimeout:           60 * time.Second,
		MutexValidity:          60 * time.Second,
		LinkBaseURL:            "",
	}
}

func defaults() map[string]interface{} {
	r := DefaultReviewSettings()
	return map[string]interface{}{
		"database_path":                    "github_review_mirror.db",
		"workers":                          5,
		"requests_per_second":              10.0,
		"log_level":                        "info",
		"review.pending_tag":               r.PendingTag,
		"review.followup_tag":              r.FollowupTag,
		"review.approved_tag":              r.ApprovedTag,
		"review.allow_self_approval":       r.AllowSelfApproval,
		"review.notification_window":       r.NotificationWindow.String(),
		"review.auto_unassign_on_approval": r.AutoUnassignOnApproval,
		"review.auto_assign_on_followup":   r.AutoAssignOnFollowup,
		"review.max_diff_length":           r.MaxDiffLength,
		"review.mutex_timeout":             r.MutexTimeout.String(),
		"review.mutex_validity":            r.MutexValidity.String(),
		"review.link_base_url":             r.LinkBaseURL,
	}
}

// envKey maps MIRROR_REVIEW__APPROVED_TAG to review.approved_tag.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// LoadConfig loads the configuration from a TOML file, then applies
// environment overrides
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Make database path absolute if it's relative
	if !filepath.IsAbs(config.DatabasePath) {
		configDir := filepath.Dir(path)
		config.DatabasePath = filepath.Join(configDir, config.DatabasePath)
	}

	return &config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(config *Config, path string) error {
	k := koanf.New(".")
	values := map[string]interface{}{
		"github_token":        config.GitHubToken,
		"database_path":       config.DatabasePath,
		"repositories":        config.Repositories,
		"workers":             config.Workers,
		"requests_per_second": config.RequestsPerSecond,
		"log_level":           config.LogLevel,
		"review": map[string]interface{}{
			"pending_tag":               config.Review.PendingTag,
			"followup_tag":              config.Review.FollowupTag,
			"approved_tag":              config.Review.ApprovedTag,
			"allow_self_approval":       config.Review.AllowSelfApproval,
			"notification_window":       config.Review.NotificationWindow.String(),
			"auto_unassign_on_approval": config.Review.AutoUnassignOnApproval,
			"auto_assign_on_followup":   config.Review.AutoAssignOnFollowup,
			"max_diff_length":           config.Review.MaxDiffLength,
			"mutex_timeout":             config.Review.MutexTimeout.String(),
			"mutex_validity":            config.Review.MutexValidity.String(),
			"link_base_url":             config.Review.LinkBaseURL,
		},
	}
	if config.EnterpriseURL != "" {
		values["enterprise_url"] = config.EnterpriseURL
	}
	if len(config.Checkouts) > 0 {
		checkouts := make(map[string]interface{}, len(config.Checkouts))
		for repo, dir := range config.Checkouts {
			checkouts[repo] = dir
		}
		values["checkouts"] = checkouts
	}
	if err := k.Load(confmap.Provider(values, ""), nil); err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	data, err := k.Marshal(toml.Parser())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := &Config{
		DatabasePath:      "github_review_mirror.db",
		Repositories:      []string{"example/repo"},
		Workers:           5,
		RequestsPerSecond: 10,
		LogLevel:          "info",
		Review:            DefaultReviewSettings(),
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if config.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", config.Workers)
	}
	if config.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive")
	}
	for _, repo := range config.Repositories {
		owner, name, ok := strings.Cut(repo, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("invalid repository %q, expected owner/name", repo)
		}
	}

	r := config.Review
	tags := map[string]bool{}
	for _, tag := range []string{r.PendingTag, r.FollowupTag, r.ApprovedTag} {
		if tag == "" {
			return fmt.Errorf("review tag names must not be empty")
		}
		if tags[tag] {
			return fmt.Errorf("review tag %q is used for more than one state", tag)
		}
		tags[tag] = true
	}
	if r.MaxDiffLength <= 0 {
		return fmt.Errorf("review.max_diff_length must be positive")
	}
	if r.MutexValidity < r.MutexTimeout {
		return fmt.Errorf("review.mutex_validity must not be shorter than review.mutex_timeout")
	}
	return nil
}
