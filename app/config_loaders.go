package app

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// FileConfigLoader loads a yaml config file and lets environment variables
// override its keys. Nested keys map to upper case variables with "." replaced
// by "_", e.g. AUTH_SECRET or CHAT_TYPING_WINDOW. Variables in EnvFile are
// loaded into the environment first; a missing file is not an error.
type FileConfigLoader struct {
	Name    string
	Paths   []string
	EnvFile string
}

func (l *FileConfigLoader) Load() (*Config, error) {
	if l.EnvFile != "" {
		if err := godotenv.Load(l.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", l.EnvFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName(l.Name)
	v.SetConfigType("yaml")
	for _, p := range l.Paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

// DefaultConfigLoader returns the defaults without reading any file.
type DefaultConfigLoader struct {
}

func (l *DefaultConfigLoader) Load() (*Config, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	config := &Config{
		Port:           8080,
		Hostname:       "0.0.0.0",
		Mode:           DevMode,
		AllowedOrigins: []string{"*"},
	}
	config.Log.Level = "debug"
	config.Auth.Secret = secret
	config.Auth.TokenTTL = 24 * time.Hour
	config.Auth.Mode = AuthModeToken
	config.SQLite.File = "./fitchat.db"
	config.SQLite.Migrations = "./migrations"
	config.Chat.TypingWindow = 3 * time.Second
	config.Chat.SendBuffer = 64
	return config, nil
}

func setDefaults(v *viper.Viper) error {
	defaults, err := (&DefaultConfigLoader{}).Load()
	if err != nil {
		return err
	}
	v.SetDefault("port", defaults.Port)
	v.SetDefault("hostname", defaults.Hostname)
	v.SetDefault("mode", string(defaults.Mode))
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(defaults.Auth.Secret))
	v.SetDefault("auth.token_ttl", defaults.Auth.TokenTTL.String())
	v.SetDefault("auth.mode", defaults.Auth.Mode)
	v.SetDefault("sqlite.file", defaults.SQLite.File)
	v.SetDefault("sqlite.migrations", defaults.SQLite.Migrations)
	v.SetDefault("chat.typing_window", defaults.Chat.TypingWindow.String())
	v.SetDefault("chat.send_buffer", defaults.Chat.SendBuffer)
	v.SetDefault("allowed_origins", defaults.AllowedOrigins)
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	return nil
}

// randomSecret generates a 32 byte signing secret.
func randomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.New("failed to generate secret")
	}
	return secret, nil
}
