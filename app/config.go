package app

import (
	"encoding/base64"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

const (
	AuthModeToken = "token"
	AuthModeCode  = "code"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	// Mode is dev or prod. prod enables the hardened TLS config.
	Mode Mode `validate:"required,oneof=dev prod"`
	Log  struct {
		Level string `validate:"required,oneof=debug info warn error"`
	}
	Auth struct {
		// Secret is the Secret key used to sign JWT tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret   Base64Encoded `validate:"required"`
		TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
		// Mode decides what chat_auth frames carry: a session token or a user code.
		Mode string `validate:"required,oneof=token code"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required"`
	}
	Chat struct {
		TypingWindow time.Duration `mapstructure:"typing_window" validate:"gt=0"`
		// SendBuffer is the number of outbound frames queued per connection.
		SendBuffer int `mapstructure:"send_buffer" validate:"gt=0"`
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	TLS            struct {
		Crt string
		Key string
	}
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig loads the configuration from config.yaml in the working directory,
// an optional .env file and the environment.
func LoadConfig() (*Config, error) {
	loader := &FileConfigLoader{
		Name:    "config",
		Paths:   []string{"."},
		EnvFile: ".env",
	}
	return loader.Load()
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// TLSEnabled reports whether both the certificate and the key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLS.Crt != "" && c.TLS.Key != ""
}

func FormatValidationErrors(err error) string {

	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
