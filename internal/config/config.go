package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RouterURL   string
	NATSURL     string

	HTTPAddr    string
	MetricsAddr string

	ExtractorTimeout time.Duration
	RoutingTimeout   time.Duration

	ArrivalThresholdMeters   float64
	DeviationThresholdMeters float64
	GuidanceInterval         time.Duration

	CacheTTL        time.Duration
	CacheMaxEntries int

	Location        *time.Location
	City            string
	LogNATSSubjects bool
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL (cluster DSN): prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
		if db == "" && os.Getenv("CITY") != "" {
			db = "postgres"
		}
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.RouterURL = getenvDefault("ROUTER_URL", "http://127.0.0.1:8989")
	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	var err error
	if cfg.ExtractorTimeout, err = durationSec("EXTRACTOR_TIMEOUT_SEC", 90); err != nil {
		return nil, err
	}
	if cfg.RoutingTimeout, err = durationSec("ROUTING_TIMEOUT_SEC", 15); err != nil {
		return nil, err
	}
	if cfg.GuidanceInterval, err = durationSec("GUIDANCE_INTERVAL_SEC", 10); err != nil {
		return nil, err
	}

	if cfg.ArrivalThresholdMeters, err = floatEnv("ARRIVAL_THRESHOLD_M", 15); err != nil {
		return nil, err
	}
	if cfg.DeviationThresholdMeters, err = floatEnv("DEVIATION_THRESHOLD_M", 50); err != nil {
		return nil, err
	}

	// Segment geometry cache
	if v := os.Getenv("CACHE_TTL_HOURS"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("invalid CACHE_TTL_HOURS: %q", v)
		}
		cfg.CacheTTL = time.Duration(h) * time.Hour
	} else {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if v := os.Getenv("CACHE_MAX_ENTRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CACHE_MAX_ENTRIES: %q", v)
		}
		cfg.CacheMaxEntries = n
	} else {
		cfg.CacheMaxEntries = 50
	}

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	// City name for dynamic DB resolution
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))

	return cfg, nil
}

func durationSec(key string, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
