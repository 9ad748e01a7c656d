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

// Prefix is prepended to every environment variable name.
const Prefix = "ENTITLEMENTS_"

// Storage backends.
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
)

// Config is the process configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	Store            string
	PGDSN            string
	FirestoreProject string

	PlayCredentialsFile string
	PackageName         string
	Products            []string
	BillingTimeout      time.Duration

	AuthSecret string
	AuthIssuer string
	PushToken  string

	RateBurst  int
	RatePerSec float64

	LogLevel  string
	LogFormat string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr   string
	RedisStream string
	RedisGroup  string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		Store:          StoreMemory,
		PackageName:    "com.mystictarot.app",
		Products:       []string{"premium_monthly_v1", "premium_yearly_v1"},
		BillingTimeout: 10 * time.Second,
		AuthIssuer:     "qazna-entitlements",
		RateBurst:      20,
		RatePerSec:     10,
		LogLevel:       "info",
		LogFormat:      "json",
		KafkaTopic:     "play-rtdn",
		KafkaGroup:     "entitlements",
		RedisStream:    "play-rtdn",
		RedisGroup:     "entitlements",
	}
}

// Load reads envFile (if it exists) and then the process environment. Process
// variables win over the file.
func Load(envFile string) (Config, error) {
	fileVars := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVars = vars
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	})
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(Prefix + name)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := get(name); ok {
			*dst = splitList(v)
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("STORE", &cfg.Store)
	cfg.Store = strings.ToLower(cfg.Store)
	str("PG_DSN", &cfg.PGDSN)
	str("FIRESTORE_PROJECT", &cfg.FirestoreProject)
	str("PLAY_CREDENTIALS_FILE", &cfg.PlayCredentialsFile)
	str("PACKAGE_NAME", &cfg.PackageName)
	list("PRODUCTS", &cfg.Products)
	str("AUTH_SECRET", &cfg.AuthSecret)
	str("AUTH_ISSUER", &cfg.AuthIssuer)
	str("PUSH_TOKEN", &cfg.PushToken)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	str("KAFKA_TOPIC", &cfg.KafkaTopic)
	str("KAFKA_GROUP", &cfg.KafkaGroup)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_STREAM", &cfg.RedisStream)
	str("REDIS_GROUP", &cfg.RedisGroup)

	if v, ok := get("RATE_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_BURST: %w", Prefix, err))
		} else {
			cfg.RateBurst = n
		}
	}
	if v, ok := get("RATE_PER_SEC"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_PER_SEC: %w", Prefix, err))
		} else {
			cfg.RatePerSec = f
		}
	}
	if v, ok := get("BILLING_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sBILLING_TIMEOUT: %w", Prefix, err))
		} else {
			cfg.BillingTimeout = d
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("postgres store requires "+Prefix+"PG_DSN"))
		}
	case StoreFirestore:
		if c.FirestoreProject == "" {
			errs = append(errs, errors.New("firestore store requires "+Prefix+"FIRESTORE_PROJECT"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if len(c.Products) == 0 {
		errs = append(errs, errors.New("product allow-list is empty"))
	}
	if c.PackageName == "" {
		errs = append(errs, errors.New("package name is empty"))
	}
	if c.RateBurst < 0 || c.RatePerSec < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.BillingTimeout <= 0 {
		errs = append(errs, errors.New("billing timeout must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateServer additionally requires what the API process needs.
func (c Config) ValidateServer() error {
	err := c.Validate()
	if len(c.AuthSecret) < 32 {
		err = errors.Join(err, errors.New(Prefix+"AUTH_SECRET must be at least 32 bytes"))
	}
	return err
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
