package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Mode represents the server operating mode.
type Mode string

const (
	ModeProd Mode = "prod"
	ModeDev  Mode = "dev"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ANYCARD_"

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production", "":
		return ModeProd, nil
	case "dev", "development":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of prod, dev", s)
	}
}

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but file is missing or invalid, loading fails.
	ConfigPath string

	// EnvFile is a dotenv file read before the process environment. A
	// missing file is ignored.
	EnvFile string

	// Getenv looks up environment variables. Defaults to os.LookupEnv.
	Getenv func(string) (string, bool)

	// ModeFlag is the --mode flag value (overrides config file and env mode).
	ModeFlag string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
type FlagOverrides struct {
	ListenAddr     *string
	PublicOrigin   *string
	StorageDriver  *string
	StorageDataDir *string
	LoggingLevel   *string
}

// fileConfig mirrors Config but with pointer sections to detect presence.
type fileConfig struct {
	Mode         string `toml:"mode"`
	ListenAddr   string `toml:"listen_addr"`
	PublicOrigin string `toml:"public_origin"`

	Server    *ServerConfig    `toml:"server"`
	Storage   *StorageConfig   `toml:"storage"`
	Cards     *CardsConfig     `toml:"cards"`
	Limits    *LimitsConfig    `toml:"limits"`
	Auth      *authFileConfig  `toml:"auth"`
	Telegram  *TelegramConfig  `toml:"telegram"`
	CORS      *CORSConfig      `toml:"cors"`
	Cache     *CacheConfig     `toml:"cache"`
	RateLimit *rateLimitConfig `toml:"rate_limit"`
	Logging   *LoggingConfig   `toml:"logging"`
}

// authFileConfig keeps the bool as a pointer so an absent key keeps the preset.
type authFileConfig struct {
	EmailHeader         string `toml:"email_header"`
	NameHeader          string `toml:"name_header"`
	PictureHeader       string `toml:"picture_header"`
	OwnerSalt           string `toml:"owner_salt"`
	RequireTelegramLink *bool  `toml:"require_telegram_link"`
	AdminTokenHash      string `toml:"admin_token_hash"`
}

type rateLimitConfig struct {
	Enabled           *bool `toml:"enabled"`
	UploadsPerMinute  int   `toml:"uploads_per_minute"`
	TelegramPerMinute int   `toml:"telegram_per_minute"`
}

// Load loads configuration with the following precedence:
//  1. Determine effective mode: --mode flag > ANYCARD_MODE > mode in config file > default (prod)
//  2. Start from mode preset defaults
//  3. Overlay TOML config file values
//  4. Overlay ANYCARD_* environment values (dotenv file first, process env wins)
//  5. Overlay CLI flags
//  6. Validate
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid TOML,
// Load returns an error (fail fast). Unknown/undecoded TOML keys produce a warning
// but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var fc fileConfig

	// Step 1: Load TOML file if provided
	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
	}

	env, err := newEnvLookup(opts.EnvFile, opts.Getenv)
	if err != nil {
		return nil, err
	}

	// Step 2: Determine effective mode
	modeStr := "prod"
	if fc.Mode != "" {
		modeStr = fc.Mode
	}
	if v, ok := env("MODE"); ok && v != "" {
		modeStr = v
	}
	if opts.ModeFlag != "" {
		modeStr = opts.ModeFlag
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := presetForMode(mode)

	if opts.ConfigPath != "" {
		overlayFileConfig(cfg, &fc)
	}
	if err := overlayEnv(cfg, env); err != nil {
		return nil, err
	}
	overlayFlags(cfg, opts.FlagOverrides)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// presetForMode returns the base config for a given mode.
func presetForMode(mode Mode) *Config {
	if mode == ModeDev {
		return DevConfig()
	}
	return ProdConfig()
}

// ProdConfig returns production defaults. Salts have no default and must be set.
func ProdConfig() *Config {
	return &Config{
		Mode:       string(ModeProd),
		ListenAddr: ":8080",
		Server: ServerConfig{
			TrustedProxies: []string{"127.0.0.0/8", "::1/128"},
		},
		Storage: StorageConfig{
			Driver:  "fs",
			DataDir: "data",
		},
		Cards: CardsConfig{
			PreviewSize: 128,
			FilesPrefix: "/files",
		},
		Limits: LimitsConfig{
			MaxUploadBytes: 10 << 20,
			MaxImagePixels: 40_000_000,
			MaxCards:       500,
			MaxGroups:      50,
		},
		Auth: AuthConfig{
			EmailHeader:   "X-Forwarded-Email",
			NameHeader:    "X-Forwarded-User",
			PictureHeader: "X-Forwarded-Picture",
		},
		Cache: CacheConfig{
			Driver: "memory",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			UploadsPerMinute:  30,
			TelegramPerMinute: 120,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DevConfig returns development defaults.
func DevConfig() *Config {
	cfg := ProdConfig()
	cfg.Mode = string(ModeDev)
	cfg.PublicOrigin = "http://localhost:8080"
	cfg.Cards.Salt = "dev-card-salt"
	cfg.Auth.OwnerSalt = "dev-owner-salt"
	cfg.CORS.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.RateLimit.Enabled = false
	cfg.Logging.Level = "debug"
	return cfg
}

// overlayFileConfig applies TOML file values onto cfg.
func overlayFileConfig(cfg *Config, fc *fileConfig) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.PublicOrigin != "" {
		cfg.PublicOrigin = fc.PublicOrigin
	}

	if fc.Server != nil && len(fc.Server.TrustedProxies) > 0 {
		cfg.Server.TrustedProxies = fc.Server.TrustedProxies
	}

	if fc.Storage != nil {
		setString(&cfg.Storage.Driver, fc.Storage.Driver)
		setString(&cfg.Storage.DataDir, fc.Storage.DataDir)
		setString(&cfg.Storage.DSN, fc.Storage.DSN)
	}

	if fc.Cards != nil {
		setString(&cfg.Cards.Salt, fc.Cards.Salt)
		setString(&cfg.Cards.FilesPrefix, fc.Cards.FilesPrefix)
		if fc.Cards.PreviewSize != 0 {
			cfg.Cards.PreviewSize = fc.Cards.PreviewSize
		}
	}

	if fc.Limits != nil {
		if fc.Limits.MaxUploadBytes != 0 {
			cfg.Limits.MaxUploadBytes = fc.Limits.MaxUploadBytes
		}
		if fc.Limits.MaxCards != 0 {
			cfg.Limits.MaxCards = fc.Limits.MaxCards
		}
		if fc.Limits.MaxGroups != 0 {
			cfg.Limits.MaxGroups = fc.Limits.MaxGroups
		}
		if fc.Limits.MaxImagePixels != 0 {
			cfg.Limits.MaxImagePixels = fc.Limits.MaxImagePixels
		}
	}

	if fc.Auth != nil {
		setString(&cfg.Auth.EmailHeader, fc.Auth.EmailHeader)
		setString(&cfg.Auth.NameHeader, fc.Auth.NameHeader)
		setString(&cfg.Auth.PictureHeader, fc.Auth.PictureHeader)
		setString(&cfg.Auth.OwnerSalt, fc.Auth.OwnerSalt)
		setString(&cfg.Auth.AdminTokenHash, fc.Auth.AdminTokenHash)
		if fc.Auth.RequireTelegramLink != nil {
			cfg.Auth.RequireTelegramLink = *fc.Auth.RequireTelegramLink
		}
	}

	if fc.Telegram != nil {
		setString(&cfg.Telegram.Secret, fc.Telegram.Secret)
	}

	if fc.CORS != nil && len(fc.CORS.AllowedOrigins) > 0 {
		cfg.CORS.AllowedOrigins = fc.CORS.AllowedOrigins
	}

	if fc.Cache != nil {
		setString(&cfg.Cache.Driver, fc.Cache.Driver)
		if len(fc.Cache.Drivers) > 0 {
			cfg.Cache.Drivers = fc.Cache.Drivers
		}
	}

	if fc.RateLimit != nil {
		if fc.RateLimit.Enabled != nil {
			cfg.RateLimit.Enabled = *fc.RateLimit.Enabled
		}
		if fc.RateLimit.UploadsPerMinute != 0 {
			cfg.RateLimit.UploadsPerMinute = fc.RateLimit.UploadsPerMinute
		}
		if fc.RateLimit.TelegramPerMinute != 0 {
			cfg.RateLimit.TelegramPerMinute = fc.RateLimit.TelegramPerMinute
		}
	}

	if fc.Logging != nil {
		setString(&cfg.Logging.Level, fc.Logging.Level)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

type envLookup func(key string) (string, bool)

// newEnvLookup resolves ANYCARD_* keys from the process environment, falling
// back to the dotenv file when one is given.
func newEnvLookup(envFile string, getenv func(string) (string, bool)) (envLookup, error) {
	if getenv == nil {
		getenv = os.LookupEnv
	}
	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := getenv(EnvPrefix + key); ok {
			return v, true
		}
		v, ok := dotenv[EnvPrefix+key]
		return v, ok
	}, nil
}

// overlayEnv applies ANYCARD_* values onto cfg. Secrets are usually supplied
// this way rather than in the TOML file.
func overlayEnv(cfg *Config, env envLookup) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"LISTEN_ADDR", &cfg.ListenAddr},
		{"PUBLIC_ORIGIN", &cfg.PublicOrigin},
		{"STORAGE_DRIVER", &cfg.Storage.Driver},
		{"STORAGE_DATA_DIR", &cfg.Storage.DataDir},
		{"STORAGE_DSN", &cfg.Storage.DSN},
		{"CARDS_SALT", &cfg.Cards.Salt},
		{"AUTH_OWNER_SALT", &cfg.Auth.OwnerSalt},
		{"AUTH_ADMIN_TOKEN_HASH", &cfg.Auth.AdminTokenHash},
		{"TELEGRAM_SECRET", &cfg.Telegram.Secret},
		{"CACHE_DRIVER", &cfg.Cache.Driver},
		{"LOGGING_LEVEL", &cfg.Logging.Level},
	}
	for _, s := range strs {
		if v, ok := env(s.key); ok && v != "" {
			*s.dst = v
		}
	}

	if v, ok := env("CORS_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.CORS.AllowedOrigins = splitList(v)
	}
	if v, ok := env("SERVER_TRUSTED_PROXIES"); ok && v != "" {
		cfg.Server.TrustedProxies = splitList(v)
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"AUTH_REQUIRE_TELEGRAM_LINK", &cfg.Auth.RequireTelegramLink},
		{"RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled},
	}
	for _, b := range bools {
		v, ok := env(b.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, b.key, v, err)
		}
		*b.dst = parsed
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// overlayFlags applies CLI flag values onto cfg.
func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.ListenAddr != nil && *f.ListenAddr != "" {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.PublicOrigin != nil && *f.PublicOrigin != "" {
		cfg.PublicOrigin = *f.PublicOrigin
	}
	if f.StorageDriver != nil && *f.StorageDriver != "" {
		cfg.Storage.Driver = *f.StorageDriver
	}
	if f.StorageDataDir != nil && *f.StorageDataDir != "" {
		cfg.Storage.DataDir = *f.StorageDataDir
	}
	if f.LoggingLevel != nil && *f.LoggingLevel != "" {
		cfg.Logging.Level = *f.LoggingLevel
	}
}

// validate checks enum fields and required values.
func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "fs", "sqlite":
		if cfg.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the %s driver", cfg.Storage.Driver)
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver %q: must be one of fs, sqlite, postgres", cfg.Storage.Driver)
	}

	if cfg.Cards.Salt == "" {
		return fmt.Errorf("cards.salt must be set (or %sCARDS_SALT)", EnvPrefix)
	}
	if cfg.Auth.OwnerSalt == "" {
		return fmt.Errorf("auth.owner_salt must be set (or %sAUTH_OWNER_SALT)", EnvPrefix)
	}
	if cfg.Cards.PreviewSize <= 0 {
		return fmt.Errorf("cards.preview_size must be positive, got %d", cfg.Cards.PreviewSize)
	}
	if !strings.HasPrefix(cfg.Cards.FilesPrefix, "/") || strings.Contains(cfg.Cards.FilesPrefix, "..") {
		return fmt.Errorf("invalid cards.files_prefix %q: must be an absolute path", cfg.Cards.FilesPrefix)
	}

	if cfg.Limits.MaxUploadBytes <= 0 || cfg.Limits.MaxCards <= 0 || cfg.Limits.MaxGroups <= 0 || cfg.Limits.MaxImagePixels <= 0 {
		return fmt.Errorf("limits must be positive")
	}

	if strings.TrimSpace(cfg.Auth.EmailHeader) == "" {
		return fmt.Errorf("auth.email_header must not be empty")
	}
	if cfg.Auth.RequireTelegramLink && cfg.Telegram.Secret == "" {
		return fmt.Errorf("auth.require_telegram_link needs telegram.secret so links can be created")
	}

	for _, cidr := range cfg.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			if _, aerr := netip.ParseAddr(cidr); aerr != nil {
				return fmt.Errorf("invalid server.trusted_proxies entry %q: %w", cidr, err)
			}
		}
	}

	switch cfg.Cache.Driver {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("invalid cache.driver %q: must be one of memory or redis", cfg.Cache.Driver)
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.UploadsPerMinute <= 0 || cfg.RateLimit.TelegramPerMinute <= 0) {
		return fmt.Errorf("rate_limit limits must be positive when enabled")
	}

	switch cfg.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q: must be one of trace, debug, info, warn, error", cfg.Logging.Level)
	}

	return validatePublicOrigin(cfg)
}

// validatePublicOrigin checks the public_origin config value when set.
// Must be an absolute URL with http/https scheme and a host, without
// userinfo, query, fragment or path.
func validatePublicOrigin(cfg *Config) error {
	if cfg.PublicOrigin == "" {
		return nil
	}
	origin := cfg.PublicOrigin

	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid public_origin %q: %w", origin, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid public_origin %q: scheme must be http or https", origin)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid public_origin %q: must include a host", origin)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return fmt.Errorf("invalid public_origin %q: must be scheme://host[:port] only", origin)
	}
	return nil
}
