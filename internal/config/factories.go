package config

import (
	"github.com/voxstream/streamasr/pkg/asr/decoder"
	"github.com/voxstream/streamasr/pkg/asr/decoder/fastbeam"
	"github.com/voxstream/streamasr/pkg/asr/decoder/greedy"
	"github.com/voxstream/streamasr/pkg/asr/decoder/modifiedbeam"
	"github.com/voxstream/streamasr/pkg/asr/model"
)

func newGreedy(set *model.Set, _ DecodingConfig) (decoder.Decoder, error) {
	return greedy.New(set), nil
}

func newModifiedBeam(set *model.Set, cfg DecodingConfig) (decoder.Decoder, error) {
	return modifiedbeam.New(set, cfg.NumActivePaths)
}

func newFastBeam(set *model.Set, cfg DecodingConfig) (decoder.Decoder, error) {
	return fastbeam.New(set, cfg.MaxStates, cfg.MaxContexts, cfg.Beam)
}
