package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxstream/streamasr/pkg/asr/decoder"
	"github.com/voxstream/streamasr/pkg/asr/model"
)

// ErrDecodingUnsupported is returned by Create when no factory has been
// registered under the requested decoding method name.
var ErrDecodingUnsupported = errors.New("config: decoding method not registered")

// Registry maps decoding method names to their constructor functions. It is
// safe for concurrent use. This mirrors a pluggable-backend registry, here
// applied to the one pluggable concern the decoding stack has: which
// transducer search strategy a connection's streams use.
type Registry struct {
	mu   sync.RWMutex
	ctor map[DecodingMethod]func(*model.Set, DecodingConfig) (decoder.Decoder, error)
}

// NewRegistry returns a [Registry] pre-populated with the three built-in
// decoding strategies (greedy, modified beam search, fast beam search).
// Callers may still override or add entries with Register.
func NewRegistry() *Registry {
	r := &Registry{
		ctor: make(map[DecodingMethod]func(*model.Set, DecodingConfig) (decoder.Decoder, error)),
	}
	r.Register(DecodingGreedy, newGreedy)
	r.Register(DecodingModifiedBeam, newModifiedBeam)
	r.Register(DecodingFastBeam, newFastBeam)
	return r
}

// Register installs factory under method. Subsequent calls with the same
// method overwrite the previous registration.
func (r *Registry) Register(method DecodingMethod, factory func(*model.Set, DecodingConfig) (decoder.Decoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctor[method] = factory
}

// Create instantiates a [decoder.Decoder] using the factory registered under
// cfg.Method. Returns [ErrDecodingUnsupported] if no factory has been
// registered for that method.
func (r *Registry) Create(set *model.Set, cfg DecodingConfig) (decoder.Decoder, error) {
	r.mu.RLock()
	factory, ok := r.ctor[cfg.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDecodingUnsupported, cfg.Method)
	}
	return factory(set, cfg)
}
