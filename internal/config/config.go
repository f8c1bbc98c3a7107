// Package config loads the server settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	ModelPath       string `env:"MODEL_PATH,default=model/skin_model.bin" validate:"required"`
	LabelMapPath    string `env:"LABEL_MAP_PATH,default=model/label_map.json" validate:"required"`
	ONNXRuntimeLib  string `env:"ONNXRUNTIME_LIB"`
	Host            string `env:"HOST,default=0.0.0.0"`
	Port            int    `env:"PORT,default=8080" validate:"min=1,max=65535"`
	LogLevel        string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
	MaxUploadBytes  int64  `env:"MAX_UPLOAD_BYTES,default=10485760" validate:"gt=0"`
	MaxUploadPixels int64  `env:"MAX_UPLOAD_PIXELS,default=40000000" validate:"gt=0"`
	GinMode         string `env:"GIN_MODE,default=release" validate:"oneof=debug release test"`
}

var validate = validator.New()

// Load reads an optional .env file, then the process environment. Relative
// paths are resolved against the project root.
func Load() (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return FromEnvSet(es, ProjectRoot(wd))
}

// FromEnvSet builds a validated Config from es, resolving relative paths
// against root.
func FromEnvSet(es env.EnvSet, root string) (*Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.ModelPath = Resolve(root, cfg.ModelPath)
	cfg.LabelMapPath = Resolve(root, cfg.LabelMapPath)
	return &cfg, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProjectRoot walks up from cmd/<name> so the server finds model/ whether it
// is started from the repository root or from its own directory.
func ProjectRoot(wd string) string {
	if filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Join(wd, "..", "..")
	}
	return wd
}

// Resolve joins a relative path onto root. Absolute paths and empty strings
// pass through.
func Resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
