// Package config loads runtime configuration for the federation core from
// environment variables.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	// Hostname is this instance's apex domain, e.g. "lemmy.example.com".
	// Required; every local ap_id is built from it.
	Hostname string
	// Scheme is "https" in production, "http" only for test builds.
	Scheme string

	FederationEnabled bool
	AllowedInstances  []string // apex domains; empty means "no allow-list"
	BlockedInstances  []string // apex domains
	ClockSkewSeconds  int      // FEDERATION_CLOCK_SKEW_SECONDS, default 43200

	DatabaseURL       string
	RSAPrivateKeyPath string
	RSAPublicKeyPath  string
	Port              string

	// Tunable performance constants (sensible defaults; rarely need changing).
	ObjectCacheTTL         time.Duration // AP object / actor cache TTL (default 1h)
	ActorRefreshInterval   time.Duration // actor refetch window (default 24h)
	MaxRequestDepth        int           // Fetcher HTTP recursion guard (default 25)
	MaxCommentDepth        int           // comment-chain depth limit (default 50); loaded but not read by any component
	DeliveryConcurrency    int           // per-host delivery rate, requests/sec and burst (default 8)
	GlobalDeliveryCap      int           // global in-memory delivery queue cap (default 10000)
	MaxDeliveryAttempts    int           // attempts before an inbox is declared dead (default 84)
	ShutdownGracePeriod    time.Duration // in-flight delivery grace period on shutdown (default 30s)
	DeadInstanceProbeEvery time.Duration // rehabilitation sweep interval (default 30m)
	InboxConcurrency       int           // global inbox concurrency cap (default 50)
	InboxPerOriginLimit    int           // per-origin inbox concurrency cap (default 5)
}

// Load reads configuration from environment variables.
// Exits the process if a required variable (HOSTNAME) is missing.
func Load() *Config {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		os.Stderr.WriteString("ERROR: HOSTNAME is not set! Set it to this instance's apex domain.\n")
		os.Exit(1)
	}

	return &Config{
		Hostname:          hostname,
		Scheme:            getEnv("FEDERATION_SCHEME", "https"),
		FederationEnabled: getEnvBool("FEDERATION_ENABLED", true),
		AllowedInstances:  parseList(os.Getenv("FEDERATION_ALLOWED_INSTANCES")),
		BlockedInstances:  parseList(os.Getenv("FEDERATION_BLOCKED_INSTANCES")),
		ClockSkewSeconds:  parseInt(os.Getenv("FEDERATION_CLOCK_SKEW_SECONDS"), 43200),

		DatabaseURL:       getEnv("DATABASE_URL", "orbit.db"),
		RSAPrivateKeyPath: getEnv("RSA_PRIVATE_KEY_PATH", "private.pem"),
		RSAPublicKeyPath:  getEnv("RSA_PUBLIC_KEY_PATH", "public.pem"),
		Port:              getEnv("PORT", "8000"),

		ObjectCacheTTL:         parseDuration(os.Getenv("AP_CACHE_TTL"), time.Hour),
		ActorRefreshInterval:   parseDuration(os.Getenv("ACTOR_REFRESH_INTERVAL"), 24*time.Hour),
		MaxRequestDepth:        parseInt(os.Getenv("MAX_REQUEST_DEPTH"), 25),
		MaxCommentDepth:        parseInt(os.Getenv("MAX_COMMENT_DEPTH"), 50),
		DeliveryConcurrency:    parseInt(os.Getenv("DELIVERY_CONCURRENCY"), 8),
		GlobalDeliveryCap:      parseInt(os.Getenv("GLOBAL_DELIVERY_CAP"), 10000),
		MaxDeliveryAttempts:    parseInt(os.Getenv("MAX_DELIVERY_ATTEMPTS"), 84),
		ShutdownGracePeriod:    parseDuration(os.Getenv("SHUTDOWN_GRACE_PERIOD"), 30*time.Second),
		DeadInstanceProbeEvery: parseDuration(os.Getenv("DEAD_INSTANCE_PROBE_INTERVAL"), 30*time.Minute),
		InboxConcurrency:       parseInt(os.Getenv("INBOX_CONCURRENCY"), 50),
		InboxPerOriginLimit:    parseInt(os.Getenv("INBOX_PER_ORIGIN_LIMIT"), 5),
	}
}

// BaseURL constructs an absolute local URL from a path.
func (c *Config) BaseURL(path string) string {
	return c.Scheme + "://" + c.Hostname + path
}

// URL returns the instance's base URL as a *url.URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.BaseURL(""))
	return u
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1"
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
