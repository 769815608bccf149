package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Serve policy modes for SERVED_MAPS.
const (
	ServeModeAll      = "all"
	ServeModeAuto     = "auto"
	ServeModeExplicit = "explicit"
)

// Config holds validated environment configuration
type Config struct {
	// Listener
	Port string
	Host string

	// Node identity and discovery
	SyncURL       string
	NodeSecretKey string
	NodeRegion    string
	Relays        []string

	// Serve policy
	ServeMode  string // all | auto | explicit
	ServedMaps []int  // populated when ServeMode == explicit
	TargetMaps int

	// Limits
	MaxPlayers int

	// Optional variables with defaults
	GoEnv           string
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis bus (optional)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits
	RateLimitWsIP string

	// Tracing (enabled when set)
	OtelEndpoint string
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error if any variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Optional: PORT (defaults to 18080)
	cfg.Port = getEnvOrDefault("PORT", "18080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Optional: HOST (defaults to 0.0.0.0)
	cfg.Host = getEnvOrDefault("HOST", "0.0.0.0")

	// Required when announcing: SYNC_URL is the endpoint advertised in heartbeats.
	cfg.SyncURL = os.Getenv("SYNC_URL")

	// Required when announcing: NODE_SECRET_KEY signs heartbeats. Hex or bech32;
	// decoding is the nostr package's job, here we only require presence together.
	cfg.NodeSecretKey = os.Getenv("NODE_SECRET_KEY")
	if (cfg.SyncURL == "") != (cfg.NodeSecretKey == "") {
		errs = append(errs, "SYNC_URL and NODE_SECRET_KEY must be set together (both or neither)")
	}

	cfg.NodeRegion = os.Getenv("NODE_REGION")

	// Optional: RELAYS (comma-separated websocket URLs)
	if raw := os.Getenv("RELAYS"); raw != "" {
		for _, r := range strings.Split(raw, ",") {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
				errs = append(errs, fmt.Sprintf("RELAYS entries must be ws:// or wss:// URLs (got '%s')", r))
				continue
			}
			cfg.Relays = append(cfg.Relays, r)
		}
	}

	// Optional: SERVED_MAPS (all | auto | comma list with range syntax "a-b,c")
	served := strings.ToLower(strings.TrimSpace(getEnvOrDefault("SERVED_MAPS", ServeModeAll)))
	switch served {
	case ServeModeAll:
		cfg.ServeMode = ServeModeAll
	case ServeModeAuto:
		cfg.ServeMode = ServeModeAuto
	default:
		maps, err := ParseMapList(served)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SERVED_MAPS: %v", err))
		} else {
			cfg.ServeMode = ServeModeExplicit
			cfg.ServedMaps = maps
		}
	}

	// Optional: TARGET_MAPS (defaults to 50, only meaningful in auto mode)
	cfg.TargetMaps = 50
	if raw := os.Getenv("TARGET_MAPS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("TARGET_MAPS must be a positive integer (got '%s')", raw))
		} else {
			cfg.TargetMaps = n
		}
	}

	// Optional: MAX_PLAYERS (defaults to 200)
	cfg.MaxPlayers = 200
	if raw := os.Getenv("MAX_PLAYERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("MAX_PLAYERS must be a positive integer (got '%s')", raw))
		} else {
			cfg.MaxPlayers = n
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate limits (M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")

	cfg.OtelEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// If there are validation errors, return them
	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// ParseMapList parses a comma-separated map id list with range syntax,
// e.g. "0-9,42,100-110". Ids must lie in [0, 9999].
func ParseMapList(raw string) ([]int, error) {
	seen := make(map[int]struct{})
	var out []int

	add := func(id int) error {
		if id < 0 || id > 9999 {
			return fmt.Errorf("map id %d out of range [0, 9999]", id)
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
		return nil
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || start > end {
				return nil, fmt.Errorf("invalid range '%s'", part)
			}
			for id := start; id <= end; id++ {
				if err := add(id); err != nil {
					return nil, err
				}
			}
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid map id '%s'", part)
		}
		if err := add(id); err != nil {
			return nil, err
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no map ids in '%s'", raw)
	}
	return out, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"host", cfg.Host,
		"port", cfg.Port,
		"sync_url", cfg.SyncURL,
		"node_secret_key", redactSecret(cfg.NodeSecretKey),
		"serve_mode", cfg.ServeMode,
		"served_maps", len(cfg.ServedMaps),
		"target_maps", cfg.TargetMaps,
		"max_players", cfg.MaxPlayers,
		"relays", len(cfg.Relays),
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret, keeping nothing of the key material
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}
