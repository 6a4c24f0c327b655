package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CXR"

const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Model   ModelConfig   `mapstructure:"model"`
	GradCAM GradCAMConfig `mapstructure:"gradcam"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Redis   RedisConfig   `mapstructure:"redis"`
	History HistoryConfig `mapstructure:"history"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ModelConfig struct {
	Backend      string `mapstructure:"backend"`
	Architecture string `mapstructure:"architecture"`
	Weights      string `mapstructure:"weights"`
	Metadata     string `mapstructure:"metadata"`
	ONNXPath     string `mapstructure:"onnx_path"`
	ONNXLibrary  string `mapstructure:"onnx_library"`
	InputName    string `mapstructure:"input_name"`
	OutputName   string `mapstructure:"output_name"`
}

type GradCAMConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	LayerName     string  `mapstructure:"layer_name"`
	Size          int     `mapstructure:"size"`
	Alpha         float64 `mapstructure:"alpha"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

type UploadConfig struct {
	MaxSize           int64    `mapstructure:"max_size"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	AllowedTypes      []string `mapstructure:"allowed_types"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Key           string `mapstructure:"key"`
	MaxItems      int    `mapstructure:"max_items"`
	ThumbnailSize int    `mapstructure:"thumbnail_size"`
	Workers       int    `mapstructure:"workers"`
}

// Load reads a YAML config file. Values can be overridden with CXR_*
// environment variables, e.g. CXR_GRADCAM_LAYER_NAME.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// New loads config.yaml from the working directory, falling back to
// defaults when it cannot be read.
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("model.backend", BackendNative)
	v.SetDefault("model.architecture", "models/resnet50v2_chest_xray.yaml")
	v.SetDefault("model.weights", "models/resnet50v2_chest_xray.weights")
	v.SetDefault("model.metadata", "models/model_metadata.json")
	v.SetDefault("model.onnx_path", "models/resnet50v2_chest_xray.onnx")
	v.SetDefault("model.onnx_library", "")
	v.SetDefault("model.input_name", "input")
	v.SetDefault("model.output_name", "output")

	v.SetDefault("gradcam.enabled", true)
	v.SetDefault("gradcam.layer_name", "conv5_block3_out")
	v.SetDefault("gradcam.size", 224)
	v.SetDefault("gradcam.alpha", 0.4)
	v.SetDefault("gradcam.max_concurrent", 1)

	v.SetDefault("upload.max_size", 16*1024*1024)
	v.SetDefault("upload.allowed_extensions", []string{"png", "jpg", "jpeg"})
	v.SetDefault("upload.allowed_types", []string{"image/png", "image/jpeg"})

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.key", "history:predictions")
	v.SetDefault("history.max_items", 20)
	v.SetDefault("history.thumbnail_size", 150)
	v.SetDefault("history.workers", 2)
}
