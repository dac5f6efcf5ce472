package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// DefaultEnvFiles are loaded by LoadEnvFiles when no files are given.
var DefaultEnvFiles = []string{".env.local", ".env"}

// LoadEnvFiles loads variables from dotenv files so Load can expand them.
// Missing files are skipped. Variables already set in the environment win.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", file, err)
		}
	}
	return nil
}
