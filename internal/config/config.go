// Package config loads and validates the pipeline configuration.
//
// Values come from (lowest to highest precedence) built-in defaults, an
// optional JSON/YAML/TOML file, and the environment. Environment variables use
// the REPORTETL_ prefix with dots replaced by underscores
// (REPORTETL_POLL_MAX_ATTEMPTS), and the deployment's historical names
// (MAIN_DB_HOST, ENDPOINT, APIKEY, ...) are bound explicitly.
package config

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Pipeline is the full configuration of one deployment.
type Pipeline struct {
	Job      string    `mapstructure:"job" json:"job"`
	API      API       `mapstructure:"api" json:"api"`
	Storage  Storage   `mapstructure:"storage" json:"storage"`
	Poll     Poll      `mapstructure:"poll" json:"poll"`
	Schemas  Schemas   `mapstructure:"schemas" json:"schemas"`
	SQL      SQL       `mapstructure:"sql" json:"sql"`
	Source   Source    `mapstructure:"source" json:"source"`
	Extracts []Extract `mapstructure:"extracts" json:"extracts"`
	Logging  Logging   `mapstructure:"logging" json:"logging"`
	Metrics  Metrics   `mapstructure:"metrics" json:"metrics"`
}

// API describes the upstream report service.
type API struct {
	Endpoint string            `mapstructure:"endpoint" json:"endpoint"`
	Key      string            `mapstructure:"api_key" json:"api_key"`
	Nickname string            `mapstructure:"nickname" json:"nickname"`
	Cohort   string            `mapstructure:"cohort" json:"cohort"`
	Headers  map[string]string `mapstructure:"headers" json:"headers"`
	Timeout  time.Duration     `mapstructure:"timeout" json:"timeout"`
}

// RequestHeaders returns the headers sent with every upstream request.
// Explicit Headers entries win over the credential fields.
func (a API) RequestHeaders() http.Header {
	h := make(http.Header, 3+len(a.Headers))
	if a.Key != "" {
		h.Set("X-API-KEY", a.Key)
	}
	if a.Nickname != "" {
		h.Set("X-Nickname", a.Nickname)
	}
	if a.Cohort != "" {
		h.Set("X-Cohort", a.Cohort)
	}
	for k, v := range a.Headers {
		h.Set(k, v)
	}
	return h
}

// Storage selects the database backend. Either DSN or the discrete fields are used.
type Storage struct {
	Kind     string `mapstructure:"kind" json:"kind"`
	DSN      string `mapstructure:"dsn" json:"dsn"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"password"`
	Database string `mapstructure:"database" json:"database"`
}

// ResolveDSN returns the connection string for the configured backend:
// <driver>://<user>:<password>@<host>:<port>/<database> for network databases,
// the database path for sqlite.
func (s Storage) ResolveDSN() (string, error) {
	if dsn := strings.TrimSpace(os.ExpandEnv(s.DSN)); dsn != "" {
		return dsn, nil
	}

	switch s.Kind {
	case "sqlite":
		if s.Database == "" {
			return "", fmt.Errorf("config: storage.database is required for sqlite")
		}
		return s.Database, nil
	case "postgres", "sqlserver":
	default:
		return "", fmt.Errorf("config: unsupported storage.kind %q", s.Kind)
	}

	if s.Host == "" {
		return "", fmt.Errorf("config: storage.host is required when storage.dsn is empty")
	}
	host := s.Host
	if s.Port > 0 {
		host = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	}
	u := url.URL{Scheme: s.Kind, Host: host}
	if s.User != "" {
		u.User = url.UserPassword(s.User, s.Password)
	}
	if s.Kind == "sqlserver" {
		q := url.Values{}
		q.Set("database", s.Database)
		u.RawQuery = q.Encode()
	} else {
		u.Path = "/" + s.Database
	}
	return u.String(), nil
}

// Poll is the retry policy of both poll cycles.
type Poll struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval" json:"interval"`
}

// Schemas names the staging and mart schemas.
type Schemas struct {
	Stage string `mapstructure:"stage" json:"stage"`
	Mart  string `mapstructure:"mart" json:"mart"`
}

// SQL lists the template files. Relative names resolve against Dir.
type SQL struct {
	Dir              string `mapstructure:"dir" json:"dir"`
	Init             string `mapstructure:"init" json:"init"`
	UpdateDimensions string `mapstructure:"update_dimensions" json:"update_dimensions"`
	UpdateFacts      string `mapstructure:"update_facts" json:"update_facts"`
	UpdateDatamarts  string `mapstructure:"update_datamarts" json:"update_datamarts"`
}

// Path resolves a template name against Dir.
func (s SQL) Path(name string) string {
	if name == "" || filepath.IsAbs(name) || s.Dir == "" {
		return name
	}
	return filepath.Join(s.Dir, name)
}

// Source configures access to s3:// extract URIs.
type Source struct {
	S3Endpoint  string `mapstructure:"s3_endpoint" json:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key_id" json:"s3_access_key_id"`
	S3SecretKey string `mapstructure:"s3_secret_access_key" json:"s3_secret_access_key"`
	S3Region    string `mapstructure:"s3_region" json:"s3_region"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl" json:"s3_use_ssl"`
}

// Extract is one CSV dataset loaded into a staging table.
type Extract struct {
	Table           string            `mapstructure:"table" json:"table"`
	Key             string            `mapstructure:"key" json:"key"`
	InitKey         string            `mapstructure:"init_key" json:"init_key"`
	AddStatusColumn bool              `mapstructure:"add_status_column" json:"add_status_column"`
	Delimiter       string            `mapstructure:"delimiter" json:"delimiter"`
	Encoding        string            `mapstructure:"encoding" json:"encoding"`
	HeaderMap       map[string]string `mapstructure:"header_map" json:"header_map"`
}

// Logging configures internal/logging.
type Logging struct {
	Format string `mapstructure:"format" json:"format"`
	Level  string `mapstructure:"level" json:"level"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	Backend        string `mapstructure:"backend" json:"backend"`
	PushgatewayURL string `mapstructure:"pushgateway_url" json:"pushgateway_url"`
	Tags           string `mapstructure:"tags" json:"tags"`
}

// DefaultExtracts are the three datasets the upstream report produces.
func DefaultExtracts() []Extract {
	return []Extract{
		{Table: "customer_research"},
		{Table: "user_order_log", AddStatusColumn: true},
		{Table: "user_activity_log"},
	}
}

// envBindings maps config keys to the historical environment names.
// REPORTETL_ names are matched automatically and take precedence.
var envBindings = map[string]string{
	"api.endpoint":                "ENDPOINT",
	"api.api_key":                 "APIKEY",
	"api.nickname":                "NICKNAME",
	"api.cohort":                  "COHORT",
	"storage.host":                "MAIN_DB_HOST",
	"storage.port":                "MAIN_DB_PORT",
	"storage.user":                "MAIN_DB_USER",
	"storage.password":            "MAIN_DB_PASSWORD",
	"storage.database":            "MAIN_DB_NAME",
	"storage.dsn":                 "DATABASE_URL",
	"source.s3_endpoint":          "S3_ENDPOINT",
	"source.s3_access_key_id":     "S3_ACCESS_KEY_ID",
	"source.s3_secret_access_key": "S3_SECRET_ACCESS_KEY",
	"metrics.backend":             "METRICS_BACKEND",
	"metrics.pushgateway_url":     "PUSHGATEWAY_URL",
	"metrics.tags":                "METRICS_TAGS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job", "reportetl")
	v.SetDefault("api.timeout", 60*time.Second)
	v.SetDefault("api.headers", map[string]string{"X-Project": "True"})
	v.SetDefault("storage.kind", "postgres")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.database", "main")
	v.SetDefault("poll.max_attempts", 8)
	v.SetDefault("poll.interval", 20*time.Second)
	v.SetDefault("schemas.stage", "stage")
	v.SetDefault("schemas.mart", "mart")
	v.SetDefault("sql.dir", "sql")
	v.SetDefault("sql.init", "init.sql")
	v.SetDefault("sql.update_dimensions", "update-dimension-tables.sql")
	v.SetDefault("sql.update_facts", "update-fact-tables.sql")
	v.SetDefault("sql.update_datamarts", "update-datamarts.sql")
	v.SetDefault("source.s3_use_ssl", true)
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.backend", "none")

	// Declared so AutomaticEnv can see keys that have no default.
	for _, k := range []string{"api.endpoint", "api.api_key", "api.nickname", "api.cohort",
		"storage.dsn", "storage.host", "storage.user", "storage.password",
		"source.s3_endpoint", "source.s3_access_key_id", "source.s3_secret_access_key", "source.s3_region",
		"metrics.pushgateway_url", "metrics.tags"} {
		v.SetDefault(k, "")
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment,
// overriding variables that are already set. An empty path tries ./.env and
// silently skips it when absent.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Overload(path); err != nil {
		return fmt.Errorf("config: load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration. path may be empty to rely on defaults and environment.
func Load(path string) (Pipeline, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REPORTETL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range envBindings {
		envKey := "REPORTETL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, name); err != nil {
			return Pipeline{}, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Pipeline{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var p Pipeline
	if err := v.Unmarshal(&p); err != nil {
		return Pipeline{}, fmt.Errorf("config: decode: %w", err)
	}
	p.expandEnv()
	p.applyDefaults()
	return p, nil
}

// expandEnv resolves ${VAR} references in credential-like fields.
func (p *Pipeline) expandEnv() {
	for _, s := range []*string{
		&p.API.Endpoint, &p.API.Key, &p.API.Nickname, &p.API.Cohort,
		&p.Storage.DSN, &p.Storage.Host, &p.Storage.User, &p.Storage.Password, &p.Storage.Database,
		&p.Source.S3Endpoint, &p.Source.S3AccessKey, &p.Source.S3SecretKey,
	} {
		*s = strings.TrimSpace(os.ExpandEnv(*s))
	}
	for k, val := range p.API.Headers {
		p.API.Headers[k] = os.ExpandEnv(val)
	}
}

// applyDefaults fills what viper defaults cannot express.
func (p *Pipeline) applyDefaults() {
	p.API.Endpoint = strings.TrimRight(p.API.Endpoint, "/")
	if len(p.Extracts) == 0 {
		p.Extracts = DefaultExtracts()
	}
	for i := range p.Extracts {
		e := &p.Extracts[i]
		if e.Key == "" {
			e.Key = e.Table + "_inc"
		}
		if e.InitKey == "" {
			e.InitKey = e.Table
		}
	}
}
