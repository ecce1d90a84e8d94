// Package config holds the master and worker configuration structs used
// by the CLI launchers, plus sane defaults and a YAML file loader.
package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"

	"github.com/quantarax/allreduce/internal/validation"
)

// MasterConfig holds the master process's configuration.
type MasterConfig struct {
	ListenAddress   string  `yaml:"listen_address"`
	MetricsAddress  string  `yaml:"metrics_address"`
	TotalWorkers    int     `yaml:"total_workers"`
	ThAllreduce     float64 `yaml:"th_allreduce"`
	ThReduce        float64 `yaml:"th_reduce"`
	ThComplete      float64 `yaml:"th_complete"`
	MaxLag          int     `yaml:"max_lag"`
	MaxRound        int     `yaml:"max_round"`
	DataSize        int     `yaml:"data_size"`
	MaxChunkSize    int     `yaml:"max_chunk_size"`
	MembershipPoll  int     `yaml:"membership_poll_seconds"`
	LogLevel        string  `yaml:"log_level"`
}

// WorkerConfig holds a worker process's configuration.
type WorkerConfig struct {
	ListenAddress  string `yaml:"listen_address"`
	MetricsAddress string `yaml:"metrics_address"`
	MasterAddress  string `yaml:"master_address"`
	MailboxSize    int    `yaml:"mailbox_size"`
	LogLevel       string `yaml:"log_level"`
}

// DefaultMasterConfig returns the master's default configuration.
func DefaultMasterConfig() *MasterConfig {
	return &MasterConfig{
		ListenAddress:  "127.0.0.1:7070",
		MetricsAddress: "127.0.0.1:9100",
		TotalWorkers:   4,
		ThAllreduce:    1.0,
		ThReduce:       0.9,
		ThComplete:     0.8,
		MaxLag:         1,
		MaxRound:       100,
		DataSize:       1 << 20,
		MaxChunkSize:   4096,
		MembershipPoll: 5,
		LogLevel:       "info",
	}
}

// DefaultWorkerConfig returns a worker's default configuration.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		ListenAddress:  ":0",
		MetricsAddress: "127.0.0.1:9101",
		MasterAddress:  "127.0.0.1:7070",
		MailboxSize:    256,
		LogLevel:       "info",
	}
}

// LoadMasterConfig loads a MasterConfig from a YAML file, falling back to
// defaults for any field the file omits.
func LoadMasterConfig(path string) (*MasterConfig, error) {
	cfg := DefaultMasterConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validateMasterConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func validateMasterConfig(cfg *MasterConfig) error {
	if err := validation.ValidateAddr(cfg.ListenAddress); err != nil {
		return fmt.Errorf("listen_address: %w", err)
	}
	if err := validation.ValidateAddr(cfg.MetricsAddress); err != nil {
		return fmt.Errorf("metrics_address: %w", err)
	}
	if err := validation.ValidateRangeInt(cfg.TotalWorkers, 1, 1<<20); err != nil {
		return fmt.Errorf("total_workers: %w", err)
	}
	for name, v := range map[string]float64{
		"th_allreduce": cfg.ThAllreduce,
		"th_reduce":    cfg.ThReduce,
		"th_complete":  cfg.ThComplete,
	} {
		if err := validation.ValidateThreshold(name, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadWorkerConfig loads a WorkerConfig from a YAML file, falling back to
// defaults for any field the file omits.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := DefaultWorkerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validateWorkerConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func validateWorkerConfig(cfg *WorkerConfig) error {
	if err := validation.ValidateAddr(cfg.ListenAddress); err != nil {
		return fmt.Errorf("listen_address: %w", err)
	}
	if err := validation.ValidateAddr(cfg.MetricsAddress); err != nil {
		return fmt.Errorf("metrics_address: %w", err)
	}
	if err := validation.ValidateStringNonEmpty(cfg.MasterAddress); err != nil {
		return fmt.Errorf("master_address: %w", err)
	}
	return validation.ValidateRangeInt(cfg.MailboxSize, 1, 1<<20)
}
