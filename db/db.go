package db

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Supported values for DB_DRIVER.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory" // Local development only; nothing survives a restart.
)

// ErrUnavailable is returned when the database cannot be reached at all.
var ErrUnavailable = errors.New("database unavailable")

// Config is a configuration struct for a Database.
type Config struct {
	Port           string
	DbDriver       string
	DbHost         string
	DbPort         string
	DbName         string
	DbUsername     string
	DbPass         string
	DbContactTable string
	MaxOpenConns   int // Size of the connection pool.
}

// Default configuration values. Can be overwritten by env vars of the same name.
var configDefaults = map[string]string{
	"PORT":              "3001",
	"DB_DRIVER":         DriverMySQL,
	"DB_HOST":           "localhost",
	"DB_PORT":           "3306",
	"DB_NAME":           "kuchabicho",
	"DB_USERNAME":       "root",
	"DB_PASSWORD":       "",
	"TEST_DB_NAME":      "kuchabicho_test",
	"DB_CONTACT_TABLE":  "contacts",
	"DB_MAX_OPEN_CONNS": "10",
}

func getEnvOrDefault(varName string) string {
	envVar := os.Getenv(varName)
	if len(envVar) == 0 {
		envVar = configDefaults[varName]
	}
	return envVar
}

// LoadEnvironmentVariables loads relevant environment variables into a
// Config object.
func LoadEnvironmentVariables() (Config, error) {
	config := Config{
		Port:           getEnvOrDefault("PORT"),
		DbDriver:       getEnvOrDefault("DB_DRIVER"),
		DbHost:         getEnvOrDefault("DB_HOST"),
		DbPort:         getEnvOrDefault("DB_PORT"),
		DbName:         getEnvOrDefault("DB_NAME"),
		DbUsername:     getEnvOrDefault("DB_USERNAME"),
		DbPass:         getEnvOrDefault("DB_PASSWORD"),
		DbContactTable: getEnvOrDefault("DB_CONTACT_TABLE"),
	}
	conns, err := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS"))
	if err != nil || conns < 1 {
		return config, fmt.Errorf("DB_MAX_OPEN_CONNS must be a positive integer")
	}
	config.MaxOpenConns = conns
	switch config.DbDriver {
	case DriverMySQL, DriverPostgres, DriverMemory:
	default:
		return config, fmt.Errorf("unsupported DB_DRIVER %q", config.DbDriver)
	}
	if flag.Lookup("test.v") != nil {
		// Avoid accidentally writing to the default db during tests.
		config.DbName = getEnvOrDefault("TEST_DB_NAME")
	}
	return config, nil
}
