package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

// TestDatabaseName is the isolated database the test suites run against.
const TestDatabaseName = "crm_test"

type Config struct {
	Target Target
	Probe  ProbeConfig

	MigrationsDir  string
	Compose        ComposeConfig
	HTTPAddress    string
	LogLevel       string
	LogFormat      string
	EnvFile        string
	TestDatabase   string
	BackendService string
	DBService      string
}

// Target identifies the database server the environment talks to.
// It is built once by Load and passed around by value.
type Target struct {
	Provider  string
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
	SSLMode   string
	SQLiteDir string
}

type ProbeConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

type ComposeConfig struct {
	Binary  string
	Files   []string
	Project string
}

// Load reads the environment, seeded from the optional .env file, and
// validates the result.
func Load() (Config, error) {
	envFile := getEnv("DEVENV_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		Target: Target{
			Provider:  strings.ToLower(getEnv("DEVENV_DB_PROVIDER", "postgres")),
			Host:      getEnv("POSTGRES_HOST", "localhost"),
			User:      getEnv("POSTGRES_USER", "crm_user"),
			Password:  os.Getenv("POSTGRES_PASSWORD"),
			Database:  getEnv("POSTGRES_DB", "crm_db"),
			SSLMode:   getEnv("POSTGRES_SSLMODE", "disable"),
			SQLiteDir: getEnv("DEVENV_SQLITE_DIR", ".devenv"),
		},
		MigrationsDir: getEnv("DEVENV_MIGRATIONS_DIR", "migrations"),
		Compose: ComposeConfig{
			Binary:  getEnv("DEVENV_DOCKER_BIN", "docker"),
			Files:   splitAndTrim(getEnv("COMPOSE_FILE", "docker-compose.yml")),
			Project: os.Getenv("COMPOSE_PROJECT_NAME"),
		},
		HTTPAddress:    getEnv("DEVENV_HTTP_ADDR", ":8090"),
		LogLevel:       getEnv("DEVENV_LOG_LEVEL", "info"),
		LogFormat:      getEnv("DEVENV_LOG_FORMAT", "text"),
		EnvFile:        envFile,
		TestDatabase:   TestDatabaseName,
		BackendService: getEnv("DEVENV_BACKEND_SERVICE", "backend"),
		DBService:      getEnv("DEVENV_DB_SERVICE", "db"),
	}

	port, err := strconv.Atoi(getEnv("POSTGRES_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("POSTGRES_PORT must be a number: %w", err)
	}
	cfg.Target.Port = port

	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		if err := cfg.Target.applyURL(raw); err != nil {
			return Config{}, err
		}
	}

	if cfg.Probe.Interval, err = getDuration("DEVENV_PROBE_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Probe.Timeout, err = getDuration("DEVENV_PROBE_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Probe.MaxAttempts, err = strconv.Atoi(getEnv("DEVENV_PROBE_MAX_ATTEMPTS", "0")); err != nil {
		return Config{}, errors.New("DEVENV_PROBE_MAX_ATTEMPTS must be a number")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every command depends on. Database
// credentials are checked separately by Target.Validate, only for commands
// that connect.
func (c Config) Validate() error {
	if c.Probe.Interval <= 0 {
		return errors.New("DEVENV_PROBE_INTERVAL must be positive")
	}
	if c.Probe.Timeout <= 0 {
		return errors.New("DEVENV_PROBE_TIMEOUT must be positive")
	}
	if c.Probe.MaxAttempts < 0 {
		return errors.New("DEVENV_PROBE_MAX_ATTEMPTS must not be negative")
	}
	if c.MigrationsDir == "" {
		return errors.New("DEVENV_MIGRATIONS_DIR is required")
	}
	if c.Compose.Binary == "" {
		return errors.New("DEVENV_DOCKER_BIN is required")
	}
	return nil
}

// Validate checks that the target carries everything needed to connect.
func (t Target) Validate() error {
	switch t.Provider {
	case "postgres", "mysql":
		if t.Host == "" {
			return errors.New("POSTGRES_HOST is required")
		}
		if t.User == "" {
			return errors.New("POSTGRES_USER is required")
		}
		if t.Password == "" {
			return errors.New("POSTGRES_PASSWORD is required")
		}
		if t.Database == "" {
			return errors.New("POSTGRES_DB is required")
		}
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("POSTGRES_PORT out of range: %d", t.Port)
		}
	case "sqlite":
		if t.SQLiteDir == "" {
			return errors.New("DEVENV_SQLITE_DIR is required for the sqlite provider")
		}
	default:
		return fmt.Errorf("unsupported DEVENV_DB_PROVIDER %q", t.Provider)
	}
	return nil
}

// URL renders a pgx connection URL for database on the target server.
func (t Target) URL(database string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(t.User, t.Password),
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		Path:   "/" + database,
	}
	if t.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{t.SSLMode}}.Encode()
	}
	return u.String()
}

// DSN renders a database/sql data source name for the configured provider.
func (t Target) DSN(database string) string {
	switch t.Provider {
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = t.User
		mc.Passwd = t.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
		mc.DBName = database
		mc.ParseTime = true
		mc.MultiStatements = false
		return mc.FormatDSN()
	case "sqlite":
		return "file:" + filepath.Join(t.SQLiteDir, database+".db") + "?_foreign_keys=on"
	default:
		return t.URL(database)
	}
}

// Redacted returns the target URL with the password masked, for logs.
func (t Target) Redacted(database string) string {
	if t.Provider == "sqlite" {
		return t.DSN(database)
	}
	u, err := url.Parse(t.URL(database))
	if err != nil {
		return t.Host
	}
	return u.Redacted()
}

func (t *Target) applyURL(raw string) error {
	pc, err := pgx.ParseConfig(raw)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is invalid: %w", err)
	}
	t.Host = pc.Host
	t.Port = int(pc.Port)
	t.User = pc.User
	t.Password = pc.Password
	t.Database = pc.Database
	if u, err := url.Parse(raw); err == nil {
		if mode := u.Query().Get("sslmode"); mode != "" {
			t.SSLMode = mode
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 1s: %w", key, err)
	}
	return d, nil
}

func splitAndTrim(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.FieldsFunc(input, func(r rune) bool { return r == ',' || r == os.PathListSeparator })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
