package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Push    PushConfig
	Windows Windows
	Limits  Limits
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for hosted-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type PushConfig struct {
	// Endpoint receives push payloads targeted at opaque device ids.
	// Empty disables the HTTP sender (pushes are logged and dropped).
	Endpoint    string
	SendTimeout time.Duration
}

// Windows are the protocol freshness/suppression windows. The defaults were
// tuned empirically; treat them as tunables, not invariants.
type Windows struct {
	// SessionFreshness is how far back an active session still counts as
	// ringing when queried by a target.
	SessionFreshness time.Duration
	// MinSessionAge excludes sessions still being constructed or torn down
	// in their first couple of seconds.
	MinSessionAge time.Duration
	// MultiCaller is how close together two callers must ring one target to
	// trigger the disambiguation flow.
	MultiCaller time.Duration
	// PushStaleness is the push-message age beyond which an incoming call is
	// classified as expired without consulting the store.
	PushStaleness time.Duration
	// Suppression is how long a local cancel suppresses the next incoming
	// push on the same device.
	Suppression time.Duration
	// CancellationTTL bounds the lifetime of server-side cancellation
	// records.
	CancellationTTL time.Duration
	// PendingPrune bounds how long received-call notifications are held for
	// dedupe and disambiguation.
	PendingPrune time.Duration
	// LeftRoomTTL is how long a just-left room is filtered out of foreground
	// reconciliation.
	LeftRoomTTL time.Duration
	// RingTimeout is how long a caller lets an unanswered outgoing call ring
	// before unilaterally cancelling it.
	RingTimeout time.Duration
}

type Limits struct {
	// SessionStartsPerHour caps how many sessions one device may start in
	// the trailing hour.
	SessionStartsPerHour int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Push.Endpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	c.Push.SendTimeout = mustDuration("PUSH_SEND_TIMEOUT")

	c.Windows.SessionFreshness = mustDuration("WINDOW_SESSION_FRESHNESS")
	c.Windows.MinSessionAge = mustDuration("WINDOW_MIN_SESSION_AGE")
	c.Windows.MultiCaller = mustDuration("WINDOW_MULTI_CALLER")
	c.Windows.PushStaleness = mustDuration("WINDOW_PUSH_STALENESS")
	c.Windows.Suppression = mustDuration("WINDOW_SUPPRESSION")
	c.Windows.CancellationTTL = mustDuration("WINDOW_CANCELLATION_TTL")
	c.Windows.PendingPrune = mustDuration("WINDOW_PENDING_PRUNE")
	c.Windows.LeftRoomTTL = mustDuration("WINDOW_LEFT_ROOM_TTL")
	c.Windows.RingTimeout = mustDuration("WINDOW_RING_TIMEOUT")

	if v := strings.TrimSpace(os.Getenv("LIMIT_SESSION_STARTS_PER_HOUR")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("LIMIT_SESSION_STARTS_PER_HOUR must be an integer, got %q", v))
		}
		c.Limits.SessionStartsPerHour = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Push.SendTimeout <= 0 {
		c.Push.SendTimeout = 5 * time.Second
	}

	c.Windows = c.Windows.withDefaults()
	if c.Windows.MinSessionAge >= c.Windows.SessionFreshness {
		errs = append(errs, errors.New("WINDOW_MIN_SESSION_AGE must be smaller than WINDOW_SESSION_FRESHNESS"))
	}

	if c.Limits.SessionStartsPerHour <= 0 {
		c.Limits.SessionStartsPerHour = 50
	}

	return joinErrors(errs)
}

func (w Windows) withDefaults() Windows {
	out := w
	if out.SessionFreshness <= 0 {
		out.SessionFreshness = 30 * time.Second
	}
	if out.MinSessionAge <= 0 {
		out.MinSessionAge = 2 * time.Second
	}
	if out.MultiCaller <= 0 {
		out.MultiCaller = 10 * time.Second
	}
	if out.PushStaleness <= 0 {
		out.PushStaleness = 2 * time.Minute
	}
	if out.Suppression <= 0 {
		out.Suppression = time.Second
	}
	if out.CancellationTTL <= 0 {
		out.CancellationTTL = 30 * time.Second
	}
	if out.PendingPrune <= 0 {
		out.PendingPrune = 15 * time.Second
	}
	if out.LeftRoomTTL <= 0 {
		out.LeftRoomTTL = 30 * time.Second
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = 20 * time.Second
	}
	return out
}

// Defaults returns the tuned default windows, for tests and library consumers
// that do not load config from env.
func Defaults() Windows {
	return Windows{}.withDefaults()
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
