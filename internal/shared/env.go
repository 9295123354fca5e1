package shared

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REGX_"

// ApplyEnv loads the dotenv file at path (when present) and applies REGX_* overrides to config.
//
// Variables already set in the process environment win over the file.
func ApplyEnv(config *Config, path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	str("DATABASE_PATH", &config.Database.Path)
	str("SERVER_HOST", &config.Server.Host)
	str("IDENTITY_URL", &config.Endpoints.IdentityURL)
	str("INBOX_URL", &config.Endpoints.InboxURL)
	str("SECONDARY_URL", &config.Endpoints.SecondaryURL)
	str("PUSHPLUS_TOKEN", &config.Register.PushPlusToken)
	str("LOG_LEVEL", &config.Log.Level)

	if v, ok := os.LookupEnv(EnvPrefix + "SERVER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sSERVER_PORT=%q", ErrInvalidConfig, EnvPrefix, v)
		}
		config.Server.Port = port
	}

	return nil
}
