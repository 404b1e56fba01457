package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Policies for a rollback target that is not present in the ledger
const (
	UnknownTargetAll    = "all"
	UnknownTargetReject = "reject"
)

// Config represents the main application configuration
type Config struct {
	Database Database `json:"database" mapstructure:"database"`
	Migrator Migrator `json:"migrator" mapstructure:"migrator"`
	Server   Server   `json:"server" mapstructure:"server"`
	JWT      JWT      `json:"jwt" mapstructure:"jwt"`
	HTTP     HTTP     `json:"http" mapstructure:"http"`
}

// Database represents database configuration
type Database struct {
	Driver          string        `json:"driver" mapstructure:"driver"`
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	User            string        `json:"user" mapstructure:"user"`
	Password        string        `json:"password" mapstructure:"password"`
	DBName          string        `json:"dbname" mapstructure:"dbname"`
	SSLMode         string        `json:"sslmode" mapstructure:"sslmode"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	ConnectRetries  int           `json:"connect_retries" mapstructure:"connect_retries"`
}

// Migrator holds the script folders and safety-net settings of the engine
type Migrator struct {
	ApplyScriptsFolder    string        `json:"apply_scripts_folder" mapstructure:"apply_scripts_folder"`
	RollbackScriptsFolder string        `json:"rollback_scripts_folder" mapstructure:"rollback_scripts_folder"`
	BackupsFolder         string        `json:"backups_folder" mapstructure:"backups_folder"`
	ExportsFolder         string        `json:"exports_folder" mapstructure:"exports_folder"`
	PgDumpPath            string        `json:"pg_dump_path" mapstructure:"pg_dump_path"`
	TablesToExport        []string      `json:"tables_to_export" mapstructure:"tables_to_export"`
	AutoApplyOnStartup    bool          `json:"auto_apply_on_startup" mapstructure:"auto_apply_on_startup"`
	UnknownTargetPolicy   string        `json:"unknown_target_policy" mapstructure:"unknown_target_policy"`
	OperationTimeout      time.Duration `json:"operation_timeout" mapstructure:"operation_timeout"`
}

// Server represents process-level settings
type Server struct {
	LogLevel string `json:"log_level" mapstructure:"log_level"`
	Debug    bool   `json:"debug" mapstructure:"debug"`
}

// JWT represents JWT configuration
type JWT struct {
	Secret string `json:"secret" mapstructure:"secret"`
}

// HTTP represents the operator endpoint configuration
type HTTP struct {
	Port                     int      `json:"port" mapstructure:"port"`
	AllowOrigins             []string `json:"allow_origins" mapstructure:"allow_origins"`
	EnableMigrationEndpoints bool     `json:"enable_migration_endpoints" mapstructure:"enable_migration_endpoints"`
	MigrationRoute           string   `json:"migration_route" mapstructure:"migration_route"`
	RequiredRole             string   `json:"required_role" mapstructure:"required_role"`
	APIKeyHash               string   `json:"api_key_hash" mapstructure:"api_key_hash"`
}

// NewDefault returns a Config instance with default values
func NewDefault() *Config {
	return &Config{
		Database: Database{
			Driver:          DriverPostgres,
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "",
			DBName:          "postgres",
			SSLMode:         "disable",
			MaxConnections:  10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectRetries:  5,
		},
		Migrator: Migrator{
			ApplyScriptsFolder:    filepath.Join("migrations", "apply"),
			RollbackScriptsFolder: filepath.Join("migrations", "rollback"),
			BackupsFolder:         filepath.Join("migrations", "backups"),
			ExportsFolder:         filepath.Join("migrations", "exports"),
			PgDumpPath:            "pg_dump",
			TablesToExport:        []string{},
			AutoApplyOnStartup:    true,
			UnknownTargetPolicy:   UnknownTargetAll,
			OperationTimeout:      30 * time.Minute,
		},
		Server: Server{
			LogLevel: "info",
			Debug:    false,
		},
		JWT: JWT{
			Secret: "change-me-in-production",
		},
		HTTP: HTTP{
			Port:                     8082,
			AllowOrigins:             []string{"http://localhost:3000"},
			EnableMigrationEndpoints: false,
			MigrationRoute:           "/api/migrations",
			RequiredRole:             "Admin",
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("database port must be between 1 and 65535")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
	case DriverSQLite:
		if len(c.Migrator.TablesToExport) > 0 {
			return fmt.Errorf("tables_to_export requires the %s driver", DriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be greater than 0")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxConnections {
		return fmt.Errorf("max idle connections cannot exceed max connections")
	}

	// Migrator validation
	folders := map[string]string{
		"apply_scripts_folder":    c.Migrator.ApplyScriptsFolder,
		"rollback_scripts_folder": c.Migrator.RollbackScriptsFolder,
		"backups_folder":          c.Migrator.BackupsFolder,
		"exports_folder":          c.Migrator.ExportsFolder,
	}
	for key, folder := range folders {
		if strings.TrimSpace(folder) == "" {
			return fmt.Errorf("migrator %s is required", key)
		}
	}
	if filepath.Clean(c.Migrator.ApplyScriptsFolder) == filepath.Clean(c.Migrator.RollbackScriptsFolder) {
		return fmt.Errorf("apply and rollback script folders must differ")
	}
	switch c.Migrator.UnknownTargetPolicy {
	case UnknownTargetAll, UnknownTargetReject:
	default:
		return fmt.Errorf("invalid unknown_target_policy: %s", c.Migrator.UnknownTargetPolicy)
	}
	if c.Migrator.OperationTimeout < 0 {
		return fmt.Errorf("operation timeout cannot be negative")
	}

	// Server validation
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.Server.LogLevel)
	}

	// HTTP validation only matters once the endpoints are exposed
	if c.HTTP.EnableMigrationEndpoints {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("HTTP port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.HTTP.MigrationRoute, "/") {
			return fmt.Errorf("migration route must start with '/'")
		}
		if c.HTTP.RequiredRole != "" && c.JWT.Secret == "" && c.HTTP.APIKeyHash == "" {
			return fmt.Errorf("a JWT secret or API key hash is required when a role is enforced")
		}
	}

	return nil
}

// DatabaseURL constructs a PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	params := url.Values{}
	params.Set("sslmode", c.Database.SSLMode)

	var userInfo *url.Userinfo
	if c.Database.Password == "" {
		userInfo = url.User(c.Database.User)
	} else {
		userInfo = url.UserPassword(c.Database.User, c.Database.Password)
	}

	u := &url.URL{
		Scheme:   "postgres",
		User:     userInfo,
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     c.Database.DBName,
		RawQuery: params.Encode(),
	}

	return u.String()
}
