package config

import (
	"path/filepath"
	"testing"

	env "github.com/Netflix/go-env"
	"github.com/stretchr/testify/require"
)

func TestFromEnvSet_Defaults(t *testing.T) {
	req := require.New(t)
	root := t.TempDir()

	cfg, err := FromEnvSet(env.EnvSet{}, root)

	req.NoError(err)
	req.Equal(filepath.Join(root, "model", "skin_model.bin"), cfg.ModelPath)
	req.Equal(filepath.Join(root, "model", "label_map.json"), cfg.LabelMapPath)
	req.Equal("0.0.0.0:8080", cfg.Addr())
	req.Equal("INFO", cfg.LogLevel)
	req.Equal(int64(10485760), cfg.MaxUploadBytes)
	req.Equal(int64(40000000), cfg.MaxUploadPixels)
	req.Equal("release", cfg.GinMode)
	req.Empty(cfg.ONNXRuntimeLib)
}

func TestFromEnvSet_Overrides(t *testing.T) {
	req := require.New(t)

	cfg, err := FromEnvSet(env.EnvSet{
		"MODEL_PATH":        "/srv/models/skin.onnx",
		"LABEL_MAP_PATH":    "labels.json",
		"ONNXRUNTIME_LIB":   "/usr/lib/libonnxruntime.so",
		"HOST":              "127.0.0.1",
		"PORT":              "9000",
		"LOG_LEVEL":         "debug",
		"MAX_UPLOAD_BYTES":  "2048",
		"MAX_UPLOAD_PIXELS": "1000000",
	}, "/app")

	req.NoError(err)
	req.Equal("/srv/models/skin.onnx", cfg.ModelPath)
	req.Equal(filepath.Join("/app", "labels.json"), cfg.LabelMapPath)
	req.Equal("/usr/lib/libonnxruntime.so", cfg.ONNXRuntimeLib)
	req.Equal("127.0.0.1:9000", cfg.Addr())
	req.Equal("DEBUG", cfg.LogLevel)
	req.Equal(int64(2048), cfg.MaxUploadBytes)
	req.Equal(int64(1000000), cfg.MaxUploadPixels)
}

func TestFromEnvSet_Invalid(t *testing.T) {
	tests := []struct {
		name string
		es   env.EnvSet
	}{
		{"port not a number", env.EnvSet{"PORT": "http"}},
		{"port out of range", env.EnvSet{"PORT": "70000"}},
		{"unknown log level", env.EnvSet{"LOG_LEVEL": "TRACE"}},
		{"zero upload limit", env.EnvSet{"MAX_UPLOAD_BYTES": "0"}},
		{"negative pixel limit", env.EnvSet{"MAX_UPLOAD_PIXELS": "-1"}},
		{"unknown gin mode", env.EnvSet{"GIN_MODE": "prod"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnvSet(tt.es, "/app")
			require.Error(t, err)
		})
	}
}

func TestProjectRoot(t *testing.T) {
	req := require.New(t)
	req.Equal(filepath.Join("/src", "skin-check"), ProjectRoot(filepath.Join("/src", "skin-check", "cmd", "server")))
	req.Equal(filepath.Join("/src", "skin-check"), ProjectRoot(filepath.Join("/src", "skin-check")))
	req.Equal("", Resolve("/app", ""))
	req.Equal("/abs/model.bin", Resolve("/app", "/abs/model.bin"))
}
