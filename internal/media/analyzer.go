package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"bitriver-vod/internal/models"
)

var (
	// ErrUnreadable is returned when the source cannot be opened at all.
	ErrUnreadable = errors.New("media: source unreadable")
	// ErrInvalidMedia is returned when the source opens but is not usable media.
	ErrInvalidMedia = errors.New("media: invalid media container")
)

const (
	highQualityMinBitRate = 8_000_000
	fastQualityMaxBitRate = 1_500_000
)

// Analyzer extracts technical metadata from a source file using ffprobe.
type Analyzer struct {
	runner  Runner
	ffprobe string
}

// NewAnalyzer constructs an Analyzer. An empty ffprobePath resolves to
// "ffprobe" on PATH.
func NewAnalyzer(runner Runner, ffprobePath string) *Analyzer {
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	return &Analyzer{runner: runner, ffprobe: ffprobePath}
}

type probeOutput struct {
	Streams []probeStream `mapstructure:"streams"`
	Format  probeFormat   `mapstructure:"format"`
}

type probeStream struct {
	CodecType    string  `mapstructure:"codec_type"`
	CodecName    string  `mapstructure:"codec_name"`
	Width        int     `mapstructure:"width"`
	Height       int     `mapstructure:"height"`
	AvgFrameRate string  `mapstructure:"avg_frame_rate"`
	RFrameRate   string  `mapstructure:"r_frame_rate"`
	BitRate      int64   `mapstructure:"bit_rate"`
	Duration     float64 `mapstructure:"duration"`
}

type probeFormat struct {
	FormatName string  `mapstructure:"format_name"`
	Duration   float64 `mapstructure:"duration"`
	BitRate    int64   `mapstructure:"bit_rate"`
	Size       int64   `mapstructure:"size"`
}

// Analyze probes path and returns normalized metadata including the
// resolution label and recommended quality tier.
func (a *Analyzer) Analyze(ctx context.Context, path string) (models.Metadata, error) {
	size, err := checkReadable(path)
	if err != nil {
		return models.Metadata{}, err
	}
	if size == 0 {
		return models.Metadata{}, fmt.Errorf("%w: empty file", ErrInvalidMedia)
	}

	out, err := a.runner.Run(ctx, Command{
		Name: a.ffprobe,
		Args: []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams", path},
	})
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return models.Metadata{}, fmt.Errorf("%w: %s", ErrInvalidMedia, cmdErr.Stderr)
		}
		return models.Metadata{}, fmt.Errorf("probe %s: %w", path, err)
	}

	probe, err := decodeProbe(out)
	if err != nil {
		return models.Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}
	meta, err := normalize(probe, size)
	if err != nil {
		return models.Metadata{}, err
	}
	return meta, nil
}

func checkReadable(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: not a regular file", ErrUnreadable)
	}
	var probe [1]byte
	if _, err := f.Read(probe[:]); err != nil && info.Size() > 0 {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return info.Size(), nil
}

// decodeProbe maps ffprobe JSON onto probeOutput. ffprobe reports most
// numbers as strings, so decoding is weakly typed.
func decodeProbe(raw []byte) (probeOutput, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return probeOutput{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	var out probeOutput
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook:       naStringHook(),
	})
	if err != nil {
		return probeOutput{}, fmt.Errorf("new decoder: %w", err)
	}
	if err := decoder.Decode(generic); err != nil {
		return probeOutput{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	return out, nil
}

// naStringHook turns ffprobe's "N/A" placeholders into zero values.
func naStringHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, _ reflect.Type, data interface{}) (interface{}, error) {
		if s, ok := data.(string); ok && strings.EqualFold(strings.TrimSpace(s), "n/a") {
			return "", nil
		}
		return data, nil
	}
}

func normalize(probe probeOutput, size int64) (models.Metadata, error) {
	var video, audio *probeStream
	for i := range probe.Streams {
		stream := &probe.Streams[i]
		switch stream.CodecType {
		case "video":
			if video == nil {
				video = stream
			}
		case "audio":
			if audio == nil {
				audio = stream
			}
		}
	}
	if video == nil {
		return models.Metadata{}, fmt.Errorf("%w: no video stream", ErrInvalidMedia)
	}
	if video.Width <= 0 || video.Height <= 0 {
		return models.Metadata{}, fmt.Errorf("%w: video stream has no dimensions", ErrInvalidMedia)
	}

	duration := probe.Format.Duration
	if duration <= 0 {
		duration = video.Duration
	}
	if duration <= 0 {
		return models.Metadata{}, fmt.Errorf("%w: unknown duration", ErrInvalidMedia)
	}

	bitRate := probe.Format.BitRate
	if bitRate <= 0 {
		bitRate = video.BitRate
	}
	if bitRate <= 0 {
		total := probe.Format.Size
		if total <= 0 {
			total = size
		}
		bitRate = int64(float64(total*8) / duration)
	}

	frameRate := parseFrameRate(video.AvgFrameRate)
	if frameRate <= 0 {
		frameRate = parseFrameRate(video.RFrameRate)
	}

	meta := models.Metadata{
		DurationSeconds: duration,
		BitRate:         bitRate,
		VideoCodec:      video.CodecName,
		Width:           video.Width,
		Height:          video.Height,
		FrameRate:       frameRate,
		FormatName:      probe.Format.FormatName,
	}
	if audio != nil {
		meta.AudioCodec = audio.CodecName
	}
	meta.Resolution = ResolutionLabel(meta.Width, meta.Height)
	meta.Quality = RecommendQuality(meta)
	return meta, nil
}

// parseFrameRate understands ffprobe rationals such as "30000/1001".
func parseFrameRate(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	num, den, found := strings.Cut(value, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ResolutionLabel names the picture size by its shorter side, so portrait
// sources get the same label as their landscape equivalent.
func ResolutionLabel(width, height int) string {
	short := shortSide(width, height)
	switch {
	case short <= 0:
		return "unknown"
	case short >= 2160:
		return "2160p"
	case short >= 1440:
		return "1440p"
	case short >= 1080:
		return "1080p"
	case short >= 720:
		return "720p"
	case short >= 480:
		return "480p"
	case short >= 360:
		return "360p"
	default:
		return strconv.Itoa(short) + "p"
	}
}

// RecommendQuality picks the encoding tier for meta. Large, high-bitrate
// sources get the slow high tier; small or starved sources get the fast tier.
func RecommendQuality(meta models.Metadata) models.Quality {
	short := shortSide(meta.Width, meta.Height)
	switch {
	case short >= 2160, short >= 1080 && meta.BitRate >= highQualityMinBitRate:
		return models.QualityHigh
	case short < 720, meta.BitRate > 0 && meta.BitRate < fastQualityMaxBitRate:
		return models.QualityFast
	default:
		return models.QualityMedium
	}
}

func shortSide(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	if width < height {
		return width
	}
	return height
}
