package config_test

import (
	"strings"
	"testing"

	"github.com/voxstream/streamasr/internal/config"
)

func validBaseYAML() string {
	return `
server:
  port: 6006
  max_queue_size: 256
  max_active_connections: 200
model:
  encoder_model: /models/encoder.onnx
  tokenizer_model: /models/tokens.txt
batching:
  nn_pool_size: 4
  max_batch_size: 32
  max_wait_ms: 20
decoding:
  decoding_method: greedy_search
`
}

func TestValidate_GreedyNeedsNoExtraFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(validBaseYAML()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MissingTokenizerModel(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validBaseYAML(), "tokenizer_model: /models/tokens.txt", "tokenizer_model: \"\"", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing tokenizer_model, got nil")
	}
	if !strings.Contains(err.Error(), "tokenizer_model") {
		t.Errorf("error should mention tokenizer_model, got: %v", err)
	}
}

func TestValidate_MissingDecodingMethod(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validBaseYAML(), "decoding_method: greedy_search", "", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing decoding_method, got nil")
	}
	if !strings.Contains(err.Error(), "decoding_method") {
		t.Errorf("error should mention decoding_method, got: %v", err)
	}
}

func TestValidate_ZeroQueueSize(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validBaseYAML(), "max_queue_size: 256", "max_queue_size: 0", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for max_queue_size: 0, got nil")
	}
}

func TestValidate_ZeroActiveConnections(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validBaseYAML(), "max_active_connections: 200", "max_active_connections: 0", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for max_active_connections: 0, got nil")
	}
}

func TestValidate_ZeroPoolSize(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validBaseYAML(), "nn_pool_size: 4", "nn_pool_size: 0", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for nn_pool_size: 0, got nil")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  port: 0
model:
  encoder_model: ""
  tokenizer_model: ""
batching:
  nn_pool_size: 0
  max_batch_size: 0
  max_wait_ms: 0
decoding:
  decoding_method: bogus
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"port", "encoder_model", "tokenizer_model", "nn_pool_size", "decoding_method"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %q, got: %v", want, errStr)
		}
	}
}
