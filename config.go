package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Chounic/next-tasks-manager/api"
	"github.com/Chounic/next-tasks-manager/suggest"
)

type config struct {
	debug      bool
	jsonLogs   bool
	listenAddr string

	dbDriver string
	dbDSN    string

	redisConn  string
	cacheTTL   time.Duration
	sessionTTL time.Duration
	deduperTTL time.Duration

	storageConn   string
	settingsTable string
	eventsQueue   string
	pool          api.PoolConfig

	ai suggest.Config

	auth0Domain   string
	auth0Audience string
	testAuth      bool
}

func loadConfig() (config, error) {
	var (
		cfg  config
		errs []string
	)
	check := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg.debug = envBool("DEBUG", false)
	cfg.jsonLogs = strings.EqualFold(os.Getenv("LOG_FORMAT"), "json")
	cfg.listenAddr = envString("LISTEN_ADDR", ":8080")
	if port, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && port != "" {
		cfg.listenAddr = ":" + port
	}

	cfg.dbDriver = envString("DB_DRIVER", "sqlite")
	cfg.dbDSN = os.Getenv("DB_DSN")

	cfg.redisConn = os.Getenv("REDIS_CONNECTION_STRING")
	var err error
	cfg.cacheTTL, err = envDur("CACHE_TTL", 5*time.Minute)
	check(err)
	cfg.sessionTTL, err = envDur("SESSION_TTL", time.Hour)
	check(err)
	cfg.deduperTTL, err = envDur("DEDUPER_TTL", 24*time.Hour)
	check(err)

	cfg.storageConn = os.Getenv("STORAGE_CONNECTION_STRING")
	cfg.settingsTable = envString("SETTINGS_TABLE", "settings")
	cfg.eventsQueue = envString("EVENTS_QUEUE", "task-events")

	def := api.DefaultPoolConfig()
	cfg.pool.Workers, err = envInt("PUBLISH_WORKERS", def.Workers)
	check(err)
	cfg.pool.Buffer, err = envInt("PUBLISH_BUFFER", def.Buffer)
	check(err)
	cfg.pool.Timeout, err = envDur("PUBLISH_TIMEOUT", def.Timeout)
	check(err)
	cfg.pool.HandoffTimeout, err = envDur("PUBLISH_HANDOFF_TIMEOUT", def.HandoffTimeout)
	check(err)

	cfg.ai = suggest.Config{
		APIKey:  os.Getenv("AI_API_KEY"),
		BaseURL: envString("AI_BASE_URL", suggest.DefaultBaseURL),
		Model:   envString("AI_MODEL", suggest.DefaultModel),
	}
	cfg.ai.Timeout, err = envDur("AI_TIMEOUT", 20*time.Second)
	check(err)
	cfg.ai.MaxRetries, err = envInt("AI_MAX_RETRIES", 3)
	check(err)

	cfg.auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.testAuth = os.Getenv("AUTH0_TEST_MODE") == "1" || os.Getenv("LOCAL_AUTH_MODE") != ""
	if !cfg.testAuth && (cfg.auth0Domain == "" || cfg.auth0Audience == "") {
		errs = append(errs, "missing Auth0 config")
	}

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}
