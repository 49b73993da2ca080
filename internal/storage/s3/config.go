package s3

import (
	"time"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket          string `yaml:"bucket" validate:"required"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// SDK-level retries; the transfer engine retries parts on its own
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	UseAccelerate bool   `yaml:"use_accelerate"`
	UseDualStack  bool   `yaml:"use_dual_stack"`
	StorageClass  string `yaml:"storage_class"`

	// CargoShip handles single-part puts at or above the threshold
	EnableCargoShipOptimization bool    `yaml:"enable_cargoship_optimization"`
	CargoShipThreshold          int64   `yaml:"cargoship_threshold"`
	CargoShipConcurrency        int     `yaml:"cargoship_concurrency"`
	TargetThroughput            float64 `yaml:"target_throughput"` // MB/s, logged only
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:               "us-east-1",
		MaxRetries:           1,
		RequestTimeout:       60 * time.Second,
		CargoShipThreshold:   32 << 20,
		CargoShipConcurrency: 8,
		TargetThroughput:     800,
	}
}
