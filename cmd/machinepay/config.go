package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/service/challenge"
)

const (
	defaultListenAddr    = "localhost:8000"
	defaultLoggingLevel  = logger.LevelInfo
	defaultEnvironment   = logger.EnvProduction
	defaultNetwork       = challenge.DefaultNetwork
	defaultChallengeTTL  = challenge.DefaultTTL
	defaultApprovalTTL   = 24 * time.Hour
	defaultSweepInterval = 30 * time.Second
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the engine will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Secret key payment proofs are signed with
	SecretKey string

	// Environment
	Environment string

	// Operator token for /admin routes; admin routes are disabled if empty
	AdminToken string

	// Settlement domain announced in challenges
	Network string

	ChallengeTTL  time.Duration
	ApprovalTTL   time.Duration
	SweepInterval time.Duration

	// Provider origin served behind the paywall on /gateway/{tenant}/
	UpstreamURL string

	// External settlement facilitator; ledger only if empty
	FacilitatorURL string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:      defaultLoggingLevel,
		ListenAddr:    defaultListenAddr,
		Environment:   defaultEnvironment,
		Network:       defaultNetwork,
		ChallengeTTL:  defaultChallengeTTL,
		ApprovalTTL:   defaultApprovalTTL,
		SweepInterval: defaultSweepInterval,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":     setString(&c.ListenAddr),
		"DATABASE_URI":    setString(&c.DatabaseDSN),
		"SECRET_KEY":      setString(&c.SecretKey),
		"LOG_LEVEL":       setString(&c.LogLevel),
		"ENVIRONMENT":     setString(&c.Environment),
		"ADMIN_TOKEN":     setString(&c.AdminToken),
		"NETWORK":         setString(&c.Network),
		"UPSTREAM_URL":    setString(&c.UpstreamURL),
		"FACILITATOR_URL": setString(&c.FacilitatorURL),
		"CHALLENGE_TTL":   setDuration(&c.ChallengeTTL),
		"APPROVAL_TTL":    setDuration(&c.ApprovalTTL),
		"SWEEP_INTERVAL":  setDuration(&c.SweepInterval),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("machinepay", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key payment proofs are signed with")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production)")
	fs.StringVarP(&c.AdminToken, "admin-token", "t", c.AdminToken, "Operator token for admin routes")
	fs.StringVarP(&c.Network, "network", "n", c.Network, "Settlement network announced in challenges")
	fs.DurationVar(&c.ChallengeTTL, "challenge-ttl", c.ChallengeTTL, "How long a payment challenge is valid")
	fs.DurationVar(&c.ApprovalTTL, "approval-ttl", c.ApprovalTTL, "How long a parked payment waits for approval")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "How often expired parked payments are failed")
	fs.StringVarP(&c.UpstreamURL, "upstream", "u", c.UpstreamURL, "Provider origin served behind the paywall")
	fs.StringVarP(&c.FacilitatorURL, "facilitator", "f", c.FacilitatorURL, "External settlement facilitator address")

	return fs.Parse(args)
}

func (c *Config) Validate() error {
	var errs []error

	if c.SecretKey == "" {
		errs = append(errs, errors.New("secret key is required"))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	for name, d := range map[string]time.Duration{
		"challenge ttl":  c.ChallengeTTL,
		"approval ttl":   c.ApprovalTTL,
		"sweep interval": c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	for name, raw := range map[string]string{
		"upstream":    c.UpstreamURL,
		"facilitator": c.FacilitatorURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute url, got %q", name, raw))
		}
	}

	return errors.Join(errs...)
}
