package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Errors collects several configuration errors so they can be reported at once.
type Errors []error

func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "\n")
}

// RequireEnv returns the value of the environment variable `name`, recording
// an error in `errs` if it is unset.
func RequireEnv(name string, errs *Errors) string {
	value := os.Getenv(name)
	if len(value) == 0 {
		*errs = append(*errs, fmt.Errorf("environment variable %s must be set", name))
	}
	return value
}

// GetEnvOrDefault returns the environment variable `name`, or `fallback` when
// it is unset or empty.
func GetEnvOrDefault(name string, fallback string) string {
	value := os.Getenv(name)
	if len(value) == 0 {
		return fallback
	}
	return value
}

// GetIntEnvOrDefault parses the environment variable `name` as an integer,
// falling back to `fallback` if unset or malformed.
func GetIntEnvOrDefault(name string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return fallback
	}
	return n
}

// GetBoolEnv reports whether the environment variable `name` is "true" (any case).
func GetBoolEnv(name string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(name)), "true")
}

// SplitList splits a comma-separated value, dropping empty entries.
func SplitList(raw string) []string {
	items := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

// ValidPort turns a port number into a listen address, e.g. "3001" => ":3001".
func ValidPort(port string) (string, error) {
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("given portstring %s is invalid", port)
	}
	return fmt.Sprintf(":%s", port), nil
}
