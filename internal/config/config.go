// Package config provides the configuration schema, loader, and
// decoding-method registry for the streamasr server.
package config

import "time"

// Config is the root configuration structure for streamasr.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Batching BatchingConfig `yaml:"batching"`
	Decoding DecodingConfig `yaml:"decoding"`
}

// ServerConfig holds network, logging, and admission-control settings.
type ServerConfig struct {
	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// MaxMessageSize bounds the size, in bytes, of any single WebSocket
	// frame a client may send. Zero leaves the WebSocket library's default
	// read limit in place.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// MaxQueueSize must be positive (Validate checks it). No component reads
	// it: neither the scheduler's queue nor a connection's pending frames
	// are bounded by it.
	MaxQueueSize int `yaml:"max_queue_size"`

	// MaxActiveConnections caps concurrently admitted connections. A
	// connection attempted beyond this cap is rejected with a 503 and a
	// Hint response header rather than queued.
	MaxActiveConnections int `yaml:"max_active_connections"`
}

// ModelConfig names the on-disk model artifacts the server loads at boot.
type ModelConfig struct {
	// EncoderModel is the path to the streaming encoder/joiner checkpoint.
	EncoderModel string `yaml:"encoder_model"`

	// TokenizerModel is the path to the predictor's tokenizer/vocabulary file.
	TokenizerModel string `yaml:"tokenizer_model"`
}

// BatchingConfig tunes the scheduler's dynamic micro-batching behavior.
type BatchingConfig struct {
	// NNPoolSize is the number of concurrent inference workers (the
	// semaphore weight bounding in-flight batches).
	NNPoolSize int `yaml:"nn_pool_size"`

	// MaxBatchSize is the largest number of streams collected into a
	// single inference batch.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxWaitMs is how long the scheduler's loop waits for work while its
	// queue is empty (an enqueue wakes it sooner). Once any stream is
	// queued, it dispatches at once without waiting for the batch to fill.
	MaxWaitMs int `yaml:"max_wait_ms"`
}

// MaxWait returns MaxWaitMs as a [time.Duration].
func (b BatchingConfig) MaxWait() time.Duration {
	return time.Duration(b.MaxWaitMs) * time.Millisecond
}

// DecodingConfig selects and tunes the decoding strategy.
type DecodingConfig struct {
	// Method selects which [Registry]-constructed decoder implementation to use.
	Method DecodingMethod `yaml:"decoding_method"`

	// NumActivePaths bounds the number of hypotheses modified beam search retains.
	NumActivePaths int `yaml:"num_active_paths"`

	// Beam is the relative pruning threshold fast beam search applies
	// before capping surviving arcs to MaxStates.
	Beam float64 `yaml:"beam"`

	// MaxStates bounds raw arc candidates fast beam search keeps per frame,
	// before context merging.
	MaxStates int `yaml:"max_states"`

	// MaxContexts bounds merged hypotheses fast beam search retains per frame.
	MaxContexts int `yaml:"max_contexts"`
}

// LogLevel is a validated slog verbosity level.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognized log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}

// DecodingMethod names a registered decoder construction strategy.
type DecodingMethod string

const (
	DecodingGreedy       DecodingMethod = "greedy_search"
	DecodingModifiedBeam DecodingMethod = "modified_beam_search"
	DecodingFastBeam     DecodingMethod = "fast_beam_search"
)

// IsValid reports whether m is one of the recognized decoding methods.
func (m DecodingMethod) IsValid() bool {
	switch m {
	case DecodingGreedy, DecodingModifiedBeam, DecodingFastBeam:
		return true
	default:
		return false
	}
}
