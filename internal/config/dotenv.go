package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// DotEnvFiles lists the env files read at startup, highest precedence first.
var DotEnvFiles = []string{".env.local", ".env"}

// LoadDotEnv loads each existing file into the process environment.
// Variables that are already set are never overwritten, so the real
// environment beats .env.local, which beats .env. It must run before
// Kong parses the CLI so env-backed flags see the values.
func LoadDotEnv(paths ...string) ([]string, error) {
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, fmt.Errorf("config: load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}
