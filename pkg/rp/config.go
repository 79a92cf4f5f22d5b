package rp

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/loginrelay/loginrelay/pkg/oidc"
	"github.com/loginrelay/loginrelay/pkg/util"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Address              string        `yaml:"address" validate:"required"`
	BaseURL              string        `yaml:"base_url" validate:"required,url"`
	SigningKeyPath       string        `yaml:"signing_key_path"`
	UserDBPath           string        `yaml:"user_db_path"`
	RequireVerifiedEmail bool          `yaml:"require_verified_email"`
	SecureCookies        bool          `yaml:"secure_cookies"`
	AttemptTTL           util.Duration `yaml:"attempt_ttl"`
	FlowTimeout          util.Duration `yaml:"flow_timeout"`
	AccessTokenTTL       util.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL      util.Duration `yaml:"refresh_token_ttl"`
	Providers            []oidc.Config `yaml:"providers" validate:"required,min=1,dive"`
}

// LoadConfigFile reads and validates the server configuration.
// References like ${GOOGLE_CLIENT_SECRET} are expanded from the
// environment so provider secrets stay out of the config file.
// Validation failures are fatal at startup so misconfigured providers
// are never reached at runtime.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}

	validate := validator.New()
	err = validate.Struct(config)
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &config, nil
}
