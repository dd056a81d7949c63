// Package config centralizes environment lookups and the optional shared
// YAML config file. Every daemon reads the same variable names so a host
// needs exactly one .env to run any mix of components.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Default endpoints and limits, overridable per variable.
const (
	DefaultVaultIngestURL  = "http://127.0.0.1:8081/v1/ingest"
	DefaultAuxHost         = "127.0.0.1:8090"
	DefaultTimeoutMs       = 30000
	DefaultHealthIntvMs    = 60000
	DefaultCapabilities    = "/etc/labplane/capabilities.json"
	DefaultAllowlist       = "/etc/labplane/allowlist.json"
	DefaultClaimDB         = "/var/lib/labplane/claim.json"
	DefaultBLERegistryDB   = "/var/lib/labplane/ble-registry.db"
	DefaultEventStoreRoot  = "/var/lib/labplane/vault"
)

// Bootstrap loads .env into the process environment and applies the shared
// log level. Call it first in every main.
func Bootstrap(component string) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("loading .env")
	}
	if lvl, err := log.ParseLevel(Env("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.WithFields(log.Fields{"component": component, "pid": os.Getpid()}).
		Info("starting")
}

// Env returns an environment variable or its default.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvInt returns an integer environment variable or its default.
func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.WithFields(log.Fields{"var": key, "value": v}).Warn("not an integer, using default")
	}
	return def
}

// EnvDurationMs reads a millisecond count into a duration.
func EnvDurationMs(key string, defMs int) time.Duration {
	return time.Duration(EnvInt(key, defMs)) * time.Millisecond
}

// VaultIngestURL is where vault-first writes go.
func VaultIngestURL() string { return Env("VAULT_INGEST_URL", DefaultVaultIngestURL) }

// AuxHost is the messaging plane host:port.
func AuxHost() string { return Env("AUX_HOST", DefaultAuxHost) }

// ============================================================================
// IDENTITY
// ============================================================================

// Identity is the (node_id, device_id, role) triple every agent runs under.
type Identity struct {
	NodeID   string
	DeviceID string
	Role     string
}

// LoadIdentity reads the identity from the environment. NodeID falls back to
// the hostname so a bare dev box still produces attributable events.
func LoadIdentity() Identity {
	id := Identity{
		NodeID:   os.Getenv("NODE_ID"),
		DeviceID: os.Getenv("DEVICE_ID"),
		Role:     Env("ROLE", "runner"),
	}
	if id.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown-node"
		}
		id.NodeID = host
	}
	if id.DeviceID == "" {
		id.DeviceID = id.NodeID
	}
	return id
}

// ============================================================================
// OPTIONAL SHARED FILE
// ============================================================================

// File is the optional YAML config (LABPLANE_CONFIG). Environment variables
// win over file values; the file exists for hosts that run several daemons.
type File struct {
	VaultIngestURL string `yaml:"vault_ingest_url"`
	AuxHost        string `yaml:"aux_host"`
	LoggerHost     string `yaml:"logger_host"`
	EventStoreRoot string `yaml:"event_store_root"`

	Paths struct {
		Capabilities string `yaml:"capabilities"`
		Allowlist    string `yaml:"allowlist"`
		ClaimDB      string `yaml:"claim_db"`
		BLERegistry  string `yaml:"ble_registry_db"`
	} `yaml:"paths"`

	Limits struct {
		DefaultTimeoutMs int `yaml:"default_timeout_ms"`
		HealthIntvMs     int `yaml:"health_interval_ms"`
	} `yaml:"limits"`
}

// LoadFile parses the shared YAML config and exports any value the
// environment does not already set. Missing file is not an error.
func LoadFile() (*File, error) {
	path := os.Getenv("LABPLANE_CONFIG")
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}

	export := func(key, val string) {
		if val != "" && os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	export("VAULT_INGEST_URL", f.VaultIngestURL)
	export("AUX_HOST", f.AuxHost)
	export("LOGGER_HOST", f.LoggerHost)
	export("EVENT_STORE_ROOT", f.EventStoreRoot)
	export("CAPABILITIES_PATH", f.Paths.Capabilities)
	export("ALLOWLIST_PATH", f.Paths.Allowlist)
	export("CLAIM_DB_PATH", f.Paths.ClaimDB)
	export("BLE_REGISTRY_DB", f.Paths.BLERegistry)
	if f.Limits.DefaultTimeoutMs > 0 {
		export("DEFAULT_TIMEOUT_MS", strconv.Itoa(f.Limits.DefaultTimeoutMs))
	}
	if f.Limits.HealthIntvMs > 0 {
		export("HEALTH_INTERVAL_MS", strconv.Itoa(f.Limits.HealthIntvMs))
	}
	return &f, nil
}
