package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// envFiles are loaded in order. godotenv never overrides a variable that
// is already set, so earlier files and the real environment win.
var envFiles = []string{
	".env.local",
	".env",
}

// loadEnvFiles loads .env files from the working directory and then from
// ~/.cdegraph/.env.
func loadEnvFiles() {
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return
	}
	homeEnvFile := filepath.Join(homeDir, ".cdegraph", ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		_ = godotenv.Load(homeEnvFile)
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}
