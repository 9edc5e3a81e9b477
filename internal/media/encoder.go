package media

import (
	"strconv"

	"bitriver-vod/internal/models"
)

// EncoderParams is one row of the encoder profile table.
type EncoderParams struct {
	Codec        string
	QualityFlag  string
	QualityValue int
	Preset       string
	ExtraArgs    []string
}

// Args renders the video encoder arguments for ffmpeg.
func (p EncoderParams) Args() []string {
	args := []string{
		"-c:v", p.Codec,
		"-preset", p.Preset,
		p.QualityFlag, strconv.Itoa(p.QualityValue),
	}
	return append(args, p.ExtraArgs...)
}

// Encoder is a closed set of encoder variants: CPUEncoder or GPUEncoder.
// The variant is chosen once per transcode by SelectEncoder.
type Encoder interface {
	Kind() string
	Params() EncoderParams
	sealed()
}

// CPUEncoder encodes with libx264 in software.
type CPUEncoder struct{ p EncoderParams }

// GPUEncoder encodes with NVENC and decodes with CUDA.
type GPUEncoder struct{ p EncoderParams }

func (e CPUEncoder) Kind() string          { return "cpu" }
func (e CPUEncoder) Params() EncoderParams { return e.p }
func (CPUEncoder) sealed()                 {}

func (e GPUEncoder) Kind() string          { return "gpu" }
func (e GPUEncoder) Params() EncoderParams { return e.p }
func (GPUEncoder) sealed()                 {}

var commonVideoArgs = []string{"-pix_fmt", "yuv420p", "-profile:v", "high"}

var cpuProfiles = map[models.Quality]EncoderParams{
	models.QualityHigh:   {Codec: "libx264", QualityFlag: "-crf", QualityValue: 18, Preset: "slow", ExtraArgs: commonVideoArgs},
	models.QualityMedium: {Codec: "libx264", QualityFlag: "-crf", QualityValue: 21, Preset: "medium", ExtraArgs: commonVideoArgs},
	models.QualityFast:   {Codec: "libx264", QualityFlag: "-crf", QualityValue: 23, Preset: "veryfast", ExtraArgs: commonVideoArgs},
}

var gpuProfiles = map[models.Quality]EncoderParams{
	models.QualityHigh:   {Codec: "h264_nvenc", QualityFlag: "-cq", QualityValue: 19, Preset: "p6", ExtraArgs: append([]string{"-rc", "vbr"}, commonVideoArgs...)},
	models.QualityMedium: {Codec: "h264_nvenc", QualityFlag: "-cq", QualityValue: 23, Preset: "p4", ExtraArgs: append([]string{"-rc", "vbr"}, commonVideoArgs...)},
	models.QualityFast:   {Codec: "h264_nvenc", QualityFlag: "-cq", QualityValue: 28, Preset: "p1", ExtraArgs: append([]string{"-rc", "vbr"}, commonVideoArgs...)},
}

// SelectEncoder resolves the encoder variant and profile row for a tier.
// Unknown tiers use the medium row.
func SelectEncoder(quality models.Quality, useGPU bool) Encoder {
	table := cpuProfiles
	if useGPU {
		table = gpuProfiles
	}
	params, ok := table[quality]
	if !ok {
		params = table[models.QualityMedium]
	}
	params.ExtraArgs = append([]string(nil), params.ExtraArgs...)
	if useGPU {
		return GPUEncoder{p: params}
	}
	return CPUEncoder{p: params}
}

// inputArgs returns decoder options that must precede -i for the variant.
func inputArgs(enc Encoder) []string {
	switch enc.(type) {
	case GPUEncoder:
		return []string{"-hwaccel", "cuda"}
	default:
		return nil
	}
}
