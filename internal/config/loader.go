package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads
const EnvPrefix = "DBMIGRATOR"

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetConfigName("dbmigrator")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/dbmigrator")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dbmigrator"))
		}
	}

	// Defaults are overridden by the config file and env vars
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file doesn't exist, we have defaults and env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if err := parseDatabaseURL(v, dbURL); err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults mirrors NewDefault so a file may omit any key
func setDefaults(v *viper.Viper) {
	d := NewDefault()

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime.String())
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime.String())
	v.SetDefault("database.connect_retries", d.Database.ConnectRetries)

	v.SetDefault("migrator.apply_scripts_folder", d.Migrator.ApplyScriptsFolder)
	v.SetDefault("migrator.rollback_scripts_folder", d.Migrator.RollbackScriptsFolder)
	v.SetDefault("migrator.backups_folder", d.Migrator.BackupsFolder)
	v.SetDefault("migrator.exports_folder", d.Migrator.ExportsFolder)
	v.SetDefault("migrator.pg_dump_path", d.Migrator.PgDumpPath)
	v.SetDefault("migrator.tables_to_export", d.Migrator.TablesToExport)
	v.SetDefault("migrator.auto_apply_on_startup", d.Migrator.AutoApplyOnStartup)
	v.SetDefault("migrator.unknown_target_policy", d.Migrator.UnknownTargetPolicy)
	v.SetDefault("migrator.operation_timeout", d.Migrator.OperationTimeout.String())

	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.debug", d.Server.Debug)

	v.SetDefault("jwt.secret", d.JWT.Secret)

	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.allow_origins", d.HTTP.AllowOrigins)
	v.SetDefault("http.enable_migration_endpoints", d.HTTP.EnableMigrationEndpoints)
	v.SetDefault("http.migration_route", d.HTTP.MigrationRoute)
	v.SetDefault("http.required_role", d.HTTP.RequiredRole)
	v.SetDefault("http.api_key_hash", d.HTTP.APIKeyHash)
}

// bindEnvVars binds the short aliases operators tend to export
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("server.log_level", "LOG_LEVEL", EnvPrefix+"_SERVER_LOG_LEVEL")
	v.BindEnv("server.debug", "DEBUG", EnvPrefix+"_SERVER_DEBUG")
	v.BindEnv("migrator.pg_dump_path", "PG_DUMP_PATH", EnvPrefix+"_MIGRATOR_PG_DUMP_PATH")
	v.BindEnv("jwt.secret", "JWT_SECRET", EnvPrefix+"_JWT_SECRET")
}

// parseDatabaseURL parses a PostgreSQL connection URL and sets individual database config values
func parseDatabaseURL(v *viper.Viper, dbURL string) error {
	u, err := url.Parse(dbURL)
	if err != nil {
		return err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("URL must start with postgres:// or postgresql://")
	}

	dbname := strings.TrimPrefix(u.Path, "/")
	if dbname == "" {
		return fmt.Errorf("database name not found in URL")
	}

	v.Set("database.driver", DriverPostgres)
	v.Set("database.host", u.Hostname())
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q", port)
		}
		v.Set("database.port", n)
	}
	if u.User != nil {
		v.Set("database.user", u.User.Username())
		if password, ok := u.User.Password(); ok {
			v.Set("database.password", password)
		}
	}
	v.Set("database.dbname", dbname)

	if sslmode := u.Query().Get("sslmode"); sslmode != "" {
		v.Set("database.sslmode", sslmode)
	}

	return nil
}

// LoadConfigOrDefault loads configuration or returns default if loading fails
func LoadConfigOrDefault(configPath string) *Config {
	config, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load config: %v. Using defaults.\n", err)
		return NewDefault()
	}
	return config
}
