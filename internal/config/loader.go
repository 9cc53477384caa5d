package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_size %d must not be negative", cfg.Server.MaxMessageSize))
	}
	if cfg.Server.MaxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_queue_size %d must be positive", cfg.Server.MaxQueueSize))
	}
	if cfg.Server.MaxActiveConnections <= 0 {
		errs = append(errs, fmt.Errorf("server.max_active_connections %d must be positive", cfg.Server.MaxActiveConnections))
	}

	if cfg.Model.EncoderModel == "" {
		errs = append(errs, errors.New("model.encoder_model is required"))
	}
	if cfg.Model.TokenizerModel == "" {
		errs = append(errs, errors.New("model.tokenizer_model is required"))
	}

	if cfg.Batching.NNPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("batching.nn_pool_size %d must be positive", cfg.Batching.NNPoolSize))
	}
	if cfg.Batching.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batching.max_batch_size %d must be positive", cfg.Batching.MaxBatchSize))
	}
	if cfg.Batching.MaxWaitMs <= 0 {
		errs = append(errs, fmt.Errorf("batching.max_wait_ms %d must be positive", cfg.Batching.MaxWaitMs))
	}

	if cfg.Decoding.Method == "" {
		errs = append(errs, errors.New("decoding.decoding_method is required"))
	} else if !cfg.Decoding.Method.IsValid() {
		errs = append(errs, fmt.Errorf("decoding.decoding_method %q is invalid; valid values: greedy_search, modified_beam_search, fast_beam_search", cfg.Decoding.Method))
	}
	switch cfg.Decoding.Method {
	case DecodingModifiedBeam:
		if cfg.Decoding.NumActivePaths <= 0 {
			errs = append(errs, fmt.Errorf("decoding.num_active_paths %d must be positive for modified_beam_search", cfg.Decoding.NumActivePaths))
		}
	case DecodingFastBeam:
		if cfg.Decoding.MaxStates <= 0 {
			errs = append(errs, fmt.Errorf("decoding.max_states %d must be positive for fast_beam_search", cfg.Decoding.MaxStates))
		}
		if cfg.Decoding.MaxContexts <= 0 {
			errs = append(errs, fmt.Errorf("decoding.max_contexts %d must be positive for fast_beam_search", cfg.Decoding.MaxContexts))
		}
		if cfg.Decoding.Beam <= 0 {
			errs = append(errs, fmt.Errorf("decoding.beam %.2f must be positive for fast_beam_search", cfg.Decoding.Beam))
		}
	}

	return errors.Join(errs...)
}
