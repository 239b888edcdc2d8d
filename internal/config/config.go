package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "config"))
}

type Config struct {
	DB           DBConfig           `toml:"DBhandler"`    // Storage settings
	CAHandler    CAHandlerConfig    `toml:"CAhandler"`    // Issuing backend selection
	EAB          EABConfig          `toml:"EABhandler"`   // External account binding
	Housekeeping HousekeepingConfig `toml:"Housekeeping"` // Housekeeping defaults
	Server       ServerConfig       `toml:"Server"`       // HTTP listener and admin API
}

// DBConfig selects and parameterizes the storage backend.
type DBConfig struct {
	StorageType string `toml:"storage_type"` // "postgres" or "sqlite"
	Host        string `toml:"host"`         // PostgreSQL host
	User        string `toml:"user"`         // PostgreSQL user
	Password    string `toml:"password"`     // PostgreSQL password
	Name        string `toml:"name"`         // PostgreSQL database name
	Port        int    `toml:"port"`         // PostgreSQL port
	SSLMode     string `toml:"sslmode"`      // PostgreSQL SSL mode
	Cert        string `toml:"sslcert"`      // PostgreSQL client certificate file
	Key         string `toml:"sslkey"`       // PostgreSQL client private key file
	RootCert    string `toml:"sslrootcert"`  // PostgreSQL root CA certificate file
	SQLitePath  string `toml:"sqlite_path"`  // SQLite database file
}

// CAHandlerConfig names the issuing backend used by the trigger. The CA
// fields configure the "local" backend.
type CAHandlerConfig struct {
	HandlerFile      string `toml:"handler_file"`
	CACertFile       string `toml:"ca_cert_file"`       // PEM CA certificate, generated if missing
	CAKeyFile        string `toml:"ca_key_file"`        // PEM CA private key, generated if missing
	CommonName       string `toml:"ca_common_name"`     // Subject of a generated CA certificate
	CertValidityDays int    `toml:"cert_validity_days"` // Lifetime of issued certificates
}

// EABConfig toggles external account binding support.
type EABConfig struct {
	Enabled bool `toml:"eab_support"`
}

// HousekeepingConfig holds defaults for scheduled housekeeping runs.
// Present is true when the section exists in the config file or
// ACMEKEEPER_HOUSEKEEPING is set.
type HousekeepingConfig struct {
	Present      bool   `toml:"-"`
	ReportFormat string `toml:"report_format"` // "csv" or "json"
	ReportName   string `toml:"report_name"`   // Report file name without extension
	DBVersion    string `toml:"dbversion"`     // Expected schema version, empty to use the built-in one
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address string            `toml:"address"`  // Listen address
	APIKeys map[string]APIKey `toml:"api_keys"` // Admin API keys and their roles
}

// APIKey defines an API key and its associated roles.
type APIKey struct {
	Roles []string `toml:"roles"`
}

const (
	defaultStorageType  = "sqlite"
	defaultDBHost       = "localhost"
	defaultDBUser       = "acmekeeper"
	defaultDBPassword   = "password"
	defaultDBName       = "acmekeeper"
	defaultDBPort       = 5432
	defaultDBSSLMode    = "disable"
	defaultSQLitePath   = "./data/acmekeeper.db"
	defaultHandlerFile  = "default"
	defaultCACertFile   = "./data/ca.crt"
	defaultCAKeyFile    = "./data/ca.key"
	defaultCommonName   = "acmekeeper local CA"
	defaultValidityDays = 90
	defaultReportFormat = "csv"
	defaultAddress      = ":8080"
)

// LoadConfig loads the configuration from an optional TOML file
// (ACMEKEEPER_CONFIG_FILE) and environment variables. Environment
// variables take precedence over the file.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(os.Getenv("ACMEKEEPER_CONFIG_FILE"))
}

// LoadConfigFile is LoadConfig with an explicit file path. An empty path
// skips the file.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{
		DB: DBConfig{
			StorageType: defaultStorageType,
			Host:        defaultDBHost,
			User:        defaultDBUser,
			Password:    defaultDBPassword,
			Name:        defaultDBName,
			Port:        defaultDBPort,
			SSLMode:     defaultDBSSLMode,
			SQLitePath:  defaultSQLitePath,
		},
		CAHandler: CAHandlerConfig{
			HandlerFile:      defaultHandlerFile,
			CACertFile:       defaultCACertFile,
			CAKeyFile:        defaultCAKeyFile,
			CommonName:       defaultCommonName,
			CertValidityDays: defaultValidityDays,
		},
		Housekeeping: HousekeepingConfig{ReportFormat: defaultReportFormat},
		Server:       ServerConfig{Address: defaultAddress},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
		var sections map[string]any
		if err := toml.Unmarshal(data, &sections); err == nil {
			_, cfg.Housekeeping.Present = sections["Housekeeping"]
		}
	}

	cfg.DB.StorageType = getEnv("ACMEKEEPER_STORAGE_TYPE", cfg.DB.StorageType)
	cfg.DB.Host = getEnv("ACMEKEEPER_DB_HOST", cfg.DB.Host)
	cfg.DB.User = getEnv("ACMEKEEPER_DB_USER", cfg.DB.User)
	cfg.DB.Password = getEnv("ACMEKEEPER_DB_PASSWORD", cfg.DB.Password)
	cfg.DB.Name = getEnv("ACMEKEEPER_DB_NAME", cfg.DB.Name)
	cfg.DB.Port = getEnvAsInt("ACMEKEEPER_DB_PORT", cfg.DB.Port)
	cfg.DB.SSLMode = getEnv("ACMEKEEPER_DB_SSLMODE", cfg.DB.SSLMode)
	cfg.DB.Cert = getEnv("ACMEKEEPER_DB_CERT", cfg.DB.Cert)
	cfg.DB.Key = getEnv("ACMEKEEPER_DB_KEY", cfg.DB.Key)
	cfg.DB.RootCert = getEnv("ACMEKEEPER_DB_ROOTCERT", cfg.DB.RootCert)
	cfg.DB.SQLitePath = getEnv("ACMEKEEPER_SQLITE_PATH", cfg.DB.SQLitePath)
	cfg.CAHandler.HandlerFile = getEnv("ACMEKEEPER_HANDLER_FILE", cfg.CAHandler.HandlerFile)
	cfg.CAHandler.CACertFile = getEnv("ACMEKEEPER_CA_CERT_FILE", cfg.CAHandler.CACertFile)
	cfg.CAHandler.CAKeyFile = getEnv("ACMEKEEPER_CA_KEY_FILE", cfg.CAHandler.CAKeyFile)
	cfg.CAHandler.CommonName = getEnv("ACMEKEEPER_CA_COMMON_NAME", cfg.CAHandler.CommonName)
	cfg.CAHandler.CertValidityDays = getEnvAsInt("ACMEKEEPER_CERT_VALIDITY_DAYS", cfg.CAHandler.CertValidityDays)
	cfg.EAB.Enabled = getEnvAsBool("ACMEKEEPER_EAB_SUPPORT", cfg.EAB.Enabled)
	cfg.Housekeeping.Present = getEnvAsBool("ACMEKEEPER_HOUSEKEEPING", cfg.Housekeeping.Present)
	cfg.Housekeeping.ReportFormat = getEnv("ACMEKEEPER_REPORT_FORMAT", cfg.Housekeeping.ReportFormat)
	cfg.Housekeeping.ReportName = getEnv("ACMEKEEPER_REPORT_NAME", cfg.Housekeeping.ReportName)
	cfg.Housekeeping.DBVersion = getEnv("ACMEKEEPER_DBVERSION", cfg.Housekeeping.DBVersion)
	cfg.Server.Address = getEnv("ACMEKEEPER_ADDRESS", cfg.Server.Address)

	// ACMEKEEPER_API_KEYS="key1:admin,key2:reader"
	if raw := os.Getenv("ACMEKEEPER_API_KEYS"); raw != "" {
		cfg.Server.APIKeys = parseAPIKeys(raw)
	}
	return cfg, nil
}

func parseAPIKeys(raw string) map[string]APIKey {
	keys := make(map[string]APIKey)
	for _, entry := range strings.Split(raw, ",") {
		key, roles, _ := strings.Cut(strings.TrimSpace(entry), ":")
		if key == "" {
			continue
		}
		apiKey := keys[key]
		for _, role := range strings.Split(roles, "|") {
			if role = strings.TrimSpace(role); role != "" {
				apiKey.Roles = append(apiKey.Roles, role)
			}
		}
		keys[key] = apiKey
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		logger.Warn("Invalid integer value, using default", zap.String("key", key), zap.String("value", valueStr), zap.Int("default", defaultValue))
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		logger.Warn("Invalid boolean value, using default", zap.String("key", key), zap.String("value", valueStr), zap.Bool("default", defaultValue))
		return defaultValue
	}
	return value
}
