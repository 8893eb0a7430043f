// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Config holds the server configuration.
type Config struct {
	// Mode is the operating mode: prod or dev.
	Mode string `toml:"mode"`

	// ListenAddr is the address to listen on.
	// Example: ":8080"
	ListenAddr string `toml:"listen_addr"`

	// PublicOrigin is the origin the frontend and the identity proxy reach
	// this instance at. Optional.
	PublicOrigin string `toml:"public_origin"`

	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Cards     CardsConfig     `toml:"cards"`
	Limits    LimitsConfig    `toml:"limits"`
	Auth      AuthConfig      `toml:"auth"`
	Telegram  TelegramConfig  `toml:"telegram"`
	CORS      CORSConfig      `toml:"cors"`
	Cache     CacheConfig     `toml:"cache"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig holds server-level settings.
type ServerConfig struct {
	// TrustedProxies is a list of CIDR ranges for trusted reverse proxies.
	// Identity headers are only honored from these addresses.
	// Default: ["127.0.0.0/8", "::1/128"]
	TrustedProxies []string `toml:"trusted_proxies"`
}

// StorageConfig selects and configures the storage connector.
type StorageConfig struct {
	// Driver is one of: fs, sqlite, postgres.
	Driver string `toml:"driver"`

	// DataDir is the root directory for the fs and sqlite drivers.
	DataDir string `toml:"data_dir"`

	// DSN is the postgres connection string.
	DSN string `toml:"dsn"`
}

// CardsConfig holds card service settings.
type CardsConfig struct {
	// Salt is mixed into generated card filenames.
	Salt string `toml:"salt"`

	// PreviewSize is the preview width in pixels.
	PreviewSize int `toml:"preview_size"`

	// FilesPrefix is the URL prefix card and preview URLs are served under.
	FilesPrefix string `toml:"files_prefix"`
}

// LimitsConfig caps per-owner resource usage.
type LimitsConfig struct {
	MaxUploadBytes int64 `toml:"max_upload_bytes"`
	MaxCards       int   `toml:"max_cards"`
	MaxGroups      int   `toml:"max_groups"`
	// MaxImagePixels caps width*height of an upload before it is decoded.
	MaxImagePixels int64 `toml:"max_image_pixels"`
}

// AuthConfig controls how callers are identified.
type AuthConfig struct {
	// EmailHeader carries the authenticated email set by the fronting proxy.
	EmailHeader   string `toml:"email_header"`
	NameHeader    string `toml:"name_header"`
	PictureHeader string `toml:"picture_header"`

	// OwnerSalt keys owner id derivation. Changing it orphans existing data.
	OwnerSalt string `toml:"owner_salt"`

	// RequireTelegramLink rejects callers without an active Telegram link.
	RequireTelegramLink bool `toml:"require_telegram_link"`

	// AdminTokenHash is the bcrypt hash of the admin bearer token.
	// Empty disables the admin endpoint.
	AdminTokenHash string `toml:"admin_token_hash"`
}

// TelegramConfig holds settings for the chat bot endpoints.
type TelegramConfig struct {
	// Secret is the shared X-Telegram-Key value. Empty disables the endpoints.
	Secret string `toml:"secret"`
}

// CORSConfig holds cross-origin settings for the frontend.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	// Driver is the cache driver name: "memory" (default) or "redis".
	Driver string `toml:"driver"`

	// Drivers holds per-driver configuration.
	// Example: [cache.drivers.redis] addr = "localhost:6379"
	Drivers map[string]any `toml:"drivers"`
}

// RateLimitConfig holds request rate limits.
type RateLimitConfig struct {
	Enabled           bool `toml:"enabled"`
	UploadsPerMinute  int  `toml:"uploads_per_minute"`
	TelegramPerMinute int  `toml:"telegram_per_minute"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	// Default: info in prod mode, debug in dev mode.
	Level string `toml:"level"`
}

// IsDev reports whether the config runs in dev mode.
func (c *Config) IsDev() bool {
	return c.Mode == string(ModeDev)
}

// PublicHost returns the lowercased host[:port] of PublicOrigin, or "".
func (c *Config) PublicHost() string {
	if c.PublicOrigin == "" {
		return ""
	}
	u, err := url.Parse(c.PublicOrigin)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func redact(s string) string {
	if s == "" {
		return `""`
	}
	return "[REDACTED]"
}

// Redacted returns a string representation of the config with secrets redacted.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString("Config{\n")
	fmt.Fprintf(&sb, "  Mode: %q,\n", c.Mode)
	fmt.Fprintf(&sb, "  ListenAddr: %q,\n", c.ListenAddr)
	fmt.Fprintf(&sb, "  PublicOrigin: %q,\n", c.PublicOrigin)
	fmt.Fprintf(&sb, "  Server: {TrustedProxies: %v},\n", c.Server.TrustedProxies)
	sb.WriteString("  Storage: {\n")
	fmt.Fprintf(&sb, "    Driver: %q,\n", c.Storage.Driver)
	fmt.Fprintf(&sb, "    DataDir: %q,\n", c.Storage.DataDir)
	fmt.Fprintf(&sb, "    DSN: %s,\n", redact(c.Storage.DSN))
	sb.WriteString("  },\n")
	sb.WriteString("  Cards: {\n")
	fmt.Fprintf(&sb, "    Salt: %s,\n", redact(c.Cards.Salt))
	fmt.Fprintf(&sb, "    PreviewSize: %d,\n", c.Cards.PreviewSize)
	fmt.Fprintf(&sb, "    FilesPrefix: %q,\n", c.Cards.FilesPrefix)
	sb.WriteString("  },\n")
	fmt.Fprintf(&sb, "  Limits: {MaxUploadBytes: %d, MaxCards: %d, MaxGroups: %d, MaxImagePixels: %d},\n",
		c.Limits.MaxUploadBytes, c.Limits.MaxCards, c.Limits.MaxGroups, c.Limits.MaxImagePixels)
	sb.WriteString("  Auth: {\n")
	fmt.Fprintf(&sb, "    EmailHeader: %q,\n", c.Auth.EmailHeader)
	fmt.Fprintf(&sb, "    NameHeader: %q,\n", c.Auth.NameHeader)
	fmt.Fprintf(&sb, "    PictureHeader: %q,\n", c.Auth.PictureHeader)
	fmt.Fprintf(&sb, "    OwnerSalt: %s,\n", redact(c.Auth.OwnerSalt))
	fmt.Fprintf(&sb, "    RequireTelegramLink: %v,\n", c.Auth.RequireTelegramLink)
	fmt.Fprintf(&sb, "    AdminTokenHash: %s,\n", redact(c.Auth.AdminTokenHash))
	sb.WriteString("  },\n")
	fmt.Fprintf(&sb, "  Telegram: {Secret: %s},\n", redact(c.Telegram.Secret))
	fmt.Fprintf(&sb, "  CORS: {AllowedOrigins: %v},\n", c.CORS.AllowedOrigins)
	fmt.Fprintf(&sb, "  Cache: {Driver: %q, DriversCount: %d},\n", c.Cache.Driver, len(c.Cache.Drivers))
	fmt.Fprintf(&sb, "  RateLimit: {Enabled: %v, UploadsPerMinute: %d, TelegramPerMinute: %d},\n",
		c.RateLimit.Enabled, c.RateLimit.UploadsPerMinute, c.RateLimit.TelegramPerMinute)
	fmt.Fprintf(&sb, "  Logging: {Level: %q},\n", c.Logging.Level)
	sb.WriteString("}")
	return sb.String()
}
