package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`

	Queue struct {
		MaxConcurrentProcessing int `mapstructure:"max_concurrent_processing"`
		MaxSizePerDevice        int `mapstructure:"max_size_per_device"`
		MaxTotalSize            int `mapstructure:"max_total_size"`
		RetentionHours          int `mapstructure:"retention_hours"`
	} `mapstructure:"queue"`

	GPU struct {
		ConcurrentLimit int     `mapstructure:"concurrent_limit"`
		MinMemoryGB     float64 `mapstructure:"min_memory_gb"`
	} `mapstructure:"gpu"`

	Processing struct {
		OpenaiApiKey      string `mapstructure:"openai_api_key"`
		WhisperModel      string `mapstructure:"whisper_model"`
		SentencesPerChunk int    `mapstructure:"sentences_per_chunk"`
	} `mapstructure:"processing"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".") // Look for config.yaml in the current directory

	// Defaults match the queue manager's historical construction values.
	viper.SetDefault("server.addr", "localhost")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("queue.max_concurrent_processing", 3)
	viper.SetDefault("queue.max_size_per_device", 50)
	viper.SetDefault("queue.max_total_size", 200)
	viper.SetDefault("queue.retention_hours", 24)
	viper.SetDefault("gpu.concurrent_limit", 2)
	viper.SetDefault("gpu.min_memory_gb", 0.5)
	viper.SetDefault("processing.sentences_per_chunk", 5)

	// Allow Viper to read environment variables
	viper.AutomaticEnv()

	// Explicit bindings so the key env vars work without a prefix or any
	// naming convention mapping.
	viper.BindEnv("processing.openai_api_key", "OPENAI_API_KEY")
	viper.BindEnv("gpu.min_memory_gb", "MIN_GPU_MEMORY_GB")

	if err := viper.ReadInConfig(); err != nil {
		// It's okay if the config file doesn't exist; defaults and env
		// vars cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
