package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	IdentityProviderURL string // Required: base URL of the hosted identity provider

	DatabaseFile      string // Optional: path to the shared SQLite state file (default: ./clubsession.db)
	MachineSecretFile string // Optional: path to the at-rest sealing secret (default: ./machine-secret)
	SealAtRest        bool   // Optional: encrypt the durable session record (default: true)

	GraceWindow       time.Duration // Optional: sign-out grace window (default: 10s)
	RoleStaleness     time.Duration // Optional: role cache freshness window (default: 5m)
	VerifyTimeout     time.Duration // Optional: identity verification bound (default: 5s)
	RemoteTimeout     time.Duration // Optional: remote sign-out bound (default: 30s)
	RecheckInterval   time.Duration // Optional: periodic revalidation interval (default: 30s)
	WatchInterval     time.Duration // Optional: cross-context change poll interval (default: 1s)
	RoleAttempts      int           // Optional: role lookup attempts (default: 2)
	RoleAttemptBound  time.Duration // Optional: per-attempt role lookup timeout (default: 5s)
	RoleBackoffStep   time.Duration // Optional: linear backoff step between attempts (default: 1s)
	JournalKeep       int           // Optional: change journal rows kept by housekeeping (default: 512)
	HousekeepInterval time.Duration // Optional: journal pruning interval (default: 1h)

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: json)
}

func LoadConfig() Config {
	return Config{
		IdentityProviderURL: os.Getenv("CLUBSESSION_PROVIDER_URL"),

		DatabaseFile:      getEnvOrDefault("CLUBSESSION_DATABASE_FILE", "clubsession.db"),
		MachineSecretFile: getEnvOrDefault("CLUBSESSION_MACHINE_SECRET_FILE", "machine-secret"),
		SealAtRest:        getEnvBoolOrDefault("CLUBSESSION_SEAL_AT_REST", true),

		GraceWindow:       getEnvDurationOrDefault("CLUBSESSION_GRACE_WINDOW", 10*time.Second),
		RoleStaleness:     getEnvDurationOrDefault("CLUBSESSION_ROLE_STALENESS", 5*time.Minute),
		VerifyTimeout:     getEnvDurationOrDefault("CLUBSESSION_VERIFY_TIMEOUT", 5*time.Second),
		RemoteTimeout:     getEnvDurationOrDefault("CLUBSESSION_REMOTE_TIMEOUT", 30*time.Second),
		RecheckInterval:   getEnvDurationOrDefault("CLUBSESSION_RECHECK_INTERVAL", 30*time.Second),
		WatchInterval:     getEnvDurationOrDefault("CLUBSESSION_WATCH_INTERVAL", time.Second),
		RoleAttempts:      getEnvIntOrDefault("CLUBSESSION_ROLE_ATTEMPTS", 2),
		RoleAttemptBound:  getEnvDurationOrDefault("CLUBSESSION_ROLE_ATTEMPT_BOUND", 5*time.Second),
		RoleBackoffStep:   getEnvDurationOrDefault("CLUBSESSION_ROLE_BACKOFF_STEP", time.Second),
		JournalKeep:       getEnvIntOrDefault("CLUBSESSION_JOURNAL_KEEP", 512),
		HousekeepInterval: getEnvDurationOrDefault("CLUBSESSION_HOUSEKEEP_INTERVAL", time.Hour),

		Env:       getEnvOrDefault("ENV", "dev"),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are read as seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
