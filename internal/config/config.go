package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Identifier allocation modes.
const (
	IDModeSequence = "sequence" // single-row DB counter, INCIDENT-0001
	IDModeRedis    = "redis"    // shared redis INCR counter, same format
	IDModeXID      = "xid"      // sortable opaque ids, no shared state
)

// StatusRule matches either a single status code or an inclusive range.
// Exactly one form is populated: Code, or Low/High.
type StatusRule struct {
	Code int
	Low  int
	High int
}

// Matches reports whether status falls under the rule.
func (r StatusRule) Matches(status int) bool {
	if r.Code != 0 {
		return status == r.Code
	}
	return status >= r.Low && status <= r.High
}

func (r StatusRule) String() string {
	if r.Code != 0 {
		return strconv.Itoa(r.Code)
	}
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// ParseStatusRule accepts "500" or "500-599".
func ParseStatusRule(s string) (StatusRule, error) {
	s = strings.TrimSpace(s)
	if low, high, ok := strings.Cut(s, "-"); ok {
		lo, err := strconv.Atoi(strings.TrimSpace(low))
		if err != nil {
			return StatusRule{}, fmt.Errorf("bad range start %q: %w", low, err)
		}
		hi, err := strconv.Atoi(strings.TrimSpace(high))
		if err != nil {
			return StatusRule{}, fmt.Errorf("bad range end %q: %w", high, err)
		}
		return StatusRule{Low: lo, High: hi}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return StatusRule{}, fmt.Errorf("bad status code %q: %w", s, err)
	}
	return StatusRule{Code: code}, nil
}

type Config struct {
	// Server
	Port       string
	AdminToken string // bearer token for the incident API; empty leaves it open

	// Database
	DBDriver string // "sqlite" | "postgres"
	DBPath   string // SQLite path
	DBUrl    string // Postgres DSN

	// Capture
	Enabled            bool
	CaptureExceptions  bool
	CaptureResponse5xx bool
	CaptureStacktrace  bool
	StatusRules        []StatusRule
	IgnorePaths        []string
	IgnoreExceptions   []string // dotted class-name prefixes, checked first
	SampleRate         float64
	MaxBodyBytes       int
	BodyContentTypes   []string

	// Redaction
	RedactSensitiveData bool
	RedactHeaders       []string
	RedactFields        []string
	RedactMask          string

	// Deduplication
	DedupWindowSeconds int
	WriteTimeout       time.Duration // bound on any single persistence write

	// Error response shaping
	GenericErrorMessage     string
	AddRequestIDHeader      bool
	AddIncidentIDHeader     bool
	ExposeJSONErrorBody     bool
	IncludeIncidentIDInBody bool
	Return400InsteadOf500   bool
	CustomErrorFormat       map[string]string // values may embed <incident_id>

	// Identifier allocation
	IDMode   string
	IDPrefix string
	RedisURL string
	RedisKey string

	// Fallback log
	FallbackLogEnabled bool
	FallbackLogPath    string

	// Retention
	RetentionDays int

	// Prune archive (S3-compatible)
	ArchiveEnabled bool
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UseSSL       bool

	// Activity log
	ActivityLogEnabled bool

	// Logging
	LogLevel string

	compiledIgnorePaths []*regexp.Regexp
}

// IgnorePathPatterns returns the compiled ignore-path regexps.
// Validate must have succeeded first.
func (c *Config) IgnorePathPatterns() []*regexp.Regexp {
	return c.compiledIgnorePaths
}

// fileConfig is the YAML shape. Only set fields override defaults.
type fileConfig struct {
	Port       *string `yaml:"port"`
	AdminToken *string `yaml:"admin_token"`

	DBDriver *string `yaml:"db_driver"`
	DBPath   *string `yaml:"db_path"`
	DBUrl    *string `yaml:"db_url"`

	Enabled            *bool    `yaml:"enabled"`
	CaptureExceptions  *bool    `yaml:"capture_exceptions"`
	CaptureResponse5xx *bool    `yaml:"capture_response_5xx"`
	CaptureStacktrace  *bool    `yaml:"capture_stacktrace"`
	StatusRules        []string `yaml:"capture_status_codes"`
	IgnorePaths        []string `yaml:"ignore_paths"`
	IgnoreExceptions   []string `yaml:"ignore_exceptions"`
	SampleRate         *float64 `yaml:"sample_rate"`
	MaxBodyBytes       *int     `yaml:"max_body_bytes"`
	BodyContentTypes   []string `yaml:"store_body_content_types"`

	RedactSensitiveData *bool    `yaml:"redact_sensitive_data"`
	RedactHeaders       []string `yaml:"redact_headers"`
	RedactFields        []string `yaml:"redact_fields"`
	RedactMask          *string  `yaml:"redact_mask"`

	DedupWindowSeconds *int `yaml:"dedup_window_seconds"`
	WriteTimeoutMS     *int `yaml:"write_timeout_ms"`

	GenericErrorMessage     *string           `yaml:"generic_error_message"`
	AddRequestIDHeader      *bool             `yaml:"add_request_id_header"`
	AddIncidentIDHeader     *bool             `yaml:"add_incident_id_header"`
	ExposeJSONErrorBody     *bool             `yaml:"expose_json_error_body"`
	IncludeIncidentIDInBody *bool             `yaml:"include_incident_id_in_body"`
	Return400InsteadOf500   *bool             `yaml:"return_400_instead_of_500"`
	CustomErrorFormat       map[string]string `yaml:"custom_error_format"`

	IDMode   *string `yaml:"id_mode"`
	IDPrefix *string `yaml:"id_prefix"`
	RedisURL *string `yaml:"redis_url"`
	RedisKey *string `yaml:"redis_key"`

	FallbackLogEnabled *bool   `yaml:"fallback_log_enabled"`
	FallbackLogPath    *string `yaml:"fallback_log_path"`

	RetentionDays *int `yaml:"retention_days"`

	ArchiveEnabled *bool   `yaml:"archive_enabled"`
	S3Endpoint     *string `yaml:"s3_endpoint"`
	S3AccessKey    *string `yaml:"s3_access_key"`
	S3SecretKey    *string `yaml:"s3_secret_key"`
	S3Bucket       *string `yaml:"s3_bucket"`
	S3UseSSL       *bool   `yaml:"s3_use_ssl"`

	ActivityLogEnabled *bool `yaml:"activity_log_enabled"`

	LogLevel *string `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:     "8080",
		DBDriver: "sqlite",
		DBPath:   "./data/blackbox.db",

		Enabled:            true,
		CaptureExceptions:  true,
		CaptureResponse5xx: true,
		CaptureStacktrace:  true,
		StatusRules:        []StatusRule{{Low: 500, High: 599}},
		SampleRate:         1.0,
		MaxBodyBytes:       2048,
		BodyContentTypes: []string{
			"application/json",
			"application/x-www-form-urlencoded",
			"multipart/form-data",
		},

		RedactSensitiveData: true,
		RedactHeaders:       []string{"authorization", "cookie", "set-cookie", "x-api-key"},
		RedactFields:        []string{"password", "token", "access_token", "refresh_token", "secret", "otp"},
		RedactMask:          "[REDACTED]",

		DedupWindowSeconds: 300,
		WriteTimeout:       5 * time.Second,

		GenericErrorMessage:     "Something broke on our side. We've logged it. Share the Incident ID with support.",
		AddRequestIDHeader:      true,
		AddIncidentIDHeader:     true,
		ExposeJSONErrorBody:     true,
		IncludeIncidentIDInBody: true,

		IDMode:   IDModeSequence,
		IDPrefix: "INCIDENT",
		RedisKey: "blackbox:incident_seq",

		FallbackLogEnabled: true,
		FallbackLogPath:    "server_incidents_fallback.log",

		RetentionDays: 90,

		ActivityLogEnabled: false,

		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// BLACKBOX_CONFIG (if any), then environment overrides. The result is
// validated; config errors are load-time errors, never runtime ones.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("BLACKBOX_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setStr(&c.Port, fc.Port)
	setStr(&c.AdminToken, fc.AdminToken)
	setStr(&c.DBDriver, fc.DBDriver)
	setStr(&c.DBPath, fc.DBPath)
	setStr(&c.DBUrl, fc.DBUrl)

	setBool(&c.Enabled, fc.Enabled)
	setBool(&c.CaptureExceptions, fc.CaptureExceptions)
	setBool(&c.CaptureResponse5xx, fc.CaptureResponse5xx)
	setBool(&c.CaptureStacktrace, fc.CaptureStacktrace)
	if fc.StatusRules != nil {
		rules, err := parseStatusRules(fc.StatusRules)
		if err != nil {
			return err
		}
		c.StatusRules = rules
	}
	if fc.IgnorePaths != nil {
		c.IgnorePaths = fc.IgnorePaths
	}
	if fc.IgnoreExceptions != nil {
		c.IgnoreExceptions = fc.IgnoreExceptions
	}
	setFloat(&c.SampleRate, fc.SampleRate)
	setInt(&c.MaxBodyBytes, fc.MaxBodyBytes)
	if fc.BodyContentTypes != nil {
		c.BodyContentTypes = fc.BodyContentTypes
	}

	setBool(&c.RedactSensitiveData, fc.RedactSensitiveData)
	if fc.RedactHeaders != nil {
		c.RedactHeaders = fc.RedactHeaders
	}
	if fc.RedactFields != nil {
		c.RedactFields = fc.RedactFields
	}
	setStr(&c.RedactMask, fc.RedactMask)

	setInt(&c.DedupWindowSeconds, fc.DedupWindowSeconds)
	if fc.WriteTimeoutMS != nil {
		c.WriteTimeout = time.Duration(*fc.WriteTimeoutMS) * time.Millisecond
	}

	setStr(&c.GenericErrorMessage, fc.GenericErrorMessage)
	setBool(&c.AddRequestIDHeader, fc.AddRequestIDHeader)
	setBool(&c.AddIncidentIDHeader, fc.AddIncidentIDHeader)
	setBool(&c.ExposeJSONErrorBody, fc.ExposeJSONErrorBody)
	setBool(&c.IncludeIncidentIDInBody, fc.IncludeIncidentIDInBody)
	setBool(&c.Return400InsteadOf500, fc.Return400InsteadOf500)
	if fc.CustomErrorFormat != nil {
		c.CustomErrorFormat = fc.CustomErrorFormat
	}

	setStr(&c.IDMode, fc.IDMode)
	setStr(&c.IDPrefix, fc.IDPrefix)
	setStr(&c.RedisURL, fc.RedisURL)
	setStr(&c.RedisKey, fc.RedisKey)

	setBool(&c.FallbackLogEnabled, fc.FallbackLogEnabled)
	setStr(&c.FallbackLogPath, fc.FallbackLogPath)

	setInt(&c.RetentionDays, fc.RetentionDays)

	setBool(&c.ArchiveEnabled, fc.ArchiveEnabled)
	setStr(&c.S3Endpoint, fc.S3Endpoint)
	setStr(&c.S3AccessKey, fc.S3AccessKey)
	setStr(&c.S3SecretKey, fc.S3SecretKey)
	setStr(&c.S3Bucket, fc.S3Bucket)
	setBool(&c.S3UseSSL, fc.S3UseSSL)

	setBool(&c.ActivityLogEnabled, fc.ActivityLogEnabled)
	setStr(&c.LogLevel, fc.LogLevel)

	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.AdminToken = getEnv("BLACKBOX_ADMIN_TOKEN", c.AdminToken)
	c.DBDriver = getEnv("BLACKBOX_DB_DRIVER", c.DBDriver)
	c.DBPath = getEnv("BLACKBOX_DB_PATH", c.DBPath)
	c.DBUrl = getEnv("BLACKBOX_DATABASE_URL", c.DBUrl)

	c.Enabled = getEnvBool("BLACKBOX_ENABLED", c.Enabled)
	c.SampleRate = getEnvFloat("BLACKBOX_SAMPLE_RATE", c.SampleRate)
	c.MaxBodyBytes = getEnvInt("BLACKBOX_MAX_BODY_BYTES", c.MaxBodyBytes)
	c.DedupWindowSeconds = getEnvInt("BLACKBOX_DEDUP_WINDOW_SECONDS", c.DedupWindowSeconds)
	c.RetentionDays = getEnvInt("BLACKBOX_RETENTION_DAYS", c.RetentionDays)

	if v := os.Getenv("BLACKBOX_CAPTURE_STATUS_CODES"); v != "" {
		rules, err := parseStatusRules(strings.Split(v, ","))
		if err != nil {
			return err
		}
		c.StatusRules = rules
	}

	c.IDMode = getEnv("BLACKBOX_ID_MODE", c.IDMode)
	c.IDPrefix = getEnv("BLACKBOX_ID_PREFIX", c.IDPrefix)
	c.RedisURL = getEnv("BLACKBOX_REDIS_URL", c.RedisURL)
	c.RedisKey = getEnv("BLACKBOX_REDIS_KEY", c.RedisKey)

	c.FallbackLogPath = getEnv("BLACKBOX_FALLBACK_LOG_PATH", c.FallbackLogPath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	return nil
}

// Validate checks the configuration and compiles ignore-path patterns.
func (c *Config) Validate() error {
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("unsupported db driver: %s", c.DBDriver)
	}
	if c.SampleRate < 0.0 || c.SampleRate > 1.0 {
		return fmt.Errorf("sample_rate must be in [0.0, 1.0], got %g", c.SampleRate)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must be >= 0, got %d", c.MaxBodyBytes)
	}
	if c.DedupWindowSeconds < 0 {
		return fmt.Errorf("dedup_window_seconds must be >= 0, got %d", c.DedupWindowSeconds)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0, got %d", c.RetentionDays)
	}
	for _, r := range c.StatusRules {
		if r.Code != 0 {
			if r.Code < 100 || r.Code > 599 {
				return fmt.Errorf("status rule %s out of range", r)
			}
			continue
		}
		if r.Low < 100 || r.High > 599 || r.Low > r.High {
			return fmt.Errorf("status rule %s out of range", r)
		}
	}
	switch c.IDMode {
	case IDModeSequence, IDModeXID:
	case IDModeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("id_mode redis requires redis_url")
		}
	default:
		return fmt.Errorf("unsupported id_mode: %s", c.IDMode)
	}
	if c.ArchiveEnabled && (c.S3Endpoint == "" || c.S3Bucket == "") {
		return fmt.Errorf("archive_enabled requires s3_endpoint and s3_bucket")
	}

	c.compiledIgnorePaths = c.compiledIgnorePaths[:0]
	for _, p := range c.IgnorePaths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("compile ignore path %q: %w", p, err)
		}
		c.compiledIgnorePaths = append(c.compiledIgnorePaths, re)
	}
	return nil
}

func parseStatusRules(in []string) ([]StatusRule, error) {
	rules := make([]StatusRule, 0, len(in))
	for _, s := range in {
		r, err := ParseStatusRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
