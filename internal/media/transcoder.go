package media

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"bitriver-vod/internal/models"
)

// Layout of a packaged asset, relative to the asset directory.
const (
	ManifestFile  = "manifest.mpd"
	HLSMasterFile = "master.m3u8"
	ThumbnailFile = "thumbnail.enc"
	InitSegment   = "init.mp4"
	MediaPlaylist = "index.m3u8"

	TrackVideo = "video"
	TrackAudio = "audio"

	segmentTemplate = "segment-$Number%04d$.m4s"
)

var (
	// ErrEncodeFailed wraps failures of the encode or package steps.
	ErrEncodeFailed = errors.New("media: encode failed")
	// ErrOutputIncomplete indicates the packager exited cleanly but left out
	// required files.
	ErrOutputIncomplete = errors.New("media: packaged output incomplete")
)

// KeySource supplies per-asset content keys.
type KeySource interface {
	DeriveKey(assetID string) ([]byte, error)
	KeyID(assetID string) ([]byte, error)
}

// TranscoderConfig wires a Transcoder to its tools.
type TranscoderConfig struct {
	Runner         Runner
	Keys           KeySource
	FFmpegPath     string
	PackagerPath   string
	SegmentSeconds int
	Logger         *slog.Logger
}

// Transcoder turns a source file into an encrypted DASH and HLS asset with
// an encrypted thumbnail.
type Transcoder struct {
	runner   Runner
	keys     KeySource
	ffmpeg   string
	packager string
	segment  int
	logger   *slog.Logger
}

// NewTranscoder validates cfg and returns a Transcoder.
func NewTranscoder(cfg TranscoderConfig) (*Transcoder, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("transcoder: runner required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("transcoder: key source required")
	}
	t := &Transcoder{
		runner:   cfg.Runner,
		keys:     cfg.Keys,
		ffmpeg:   strings.TrimSpace(cfg.FFmpegPath),
		packager: strings.TrimSpace(cfg.PackagerPath),
		segment:  cfg.SegmentSeconds,
		logger:   cfg.Logger,
	}
	if t.ffmpeg == "" {
		t.ffmpeg = "ffmpeg"
	}
	if t.packager == "" {
		t.packager = "packager"
	}
	if t.segment <= 0 {
		t.segment = 2
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t, nil
}

// Request describes one transcode.
type Request struct {
	AssetID    string
	SourcePath string
	// OutputDir receives the packaged asset. Existing contents are replaced.
	OutputDir string
	// ScratchDir holds intermediate files. A temporary directory is used when empty.
	ScratchDir string
	Quality    models.Quality
	UseGPU     bool
	HasAudio   bool
	// DurationHint is the analyzed duration, used when playlists cannot be measured.
	DurationHint float64
}

// Track summarises one packaged track.
type Track struct {
	Type     string `json:"type"`
	Init     string `json:"init"`
	Segments int    `json:"segments"`
}

// Result lists the produced files relative to Request.OutputDir.
type Result struct {
	ManifestPath  string
	HLSPath       string
	ThumbnailPath string
	Duration      float64
	Encoder       string
	Tracks        []Track
}

// RequiredFiles lists the paths that must exist for the asset to be servable.
func (r Result) RequiredFiles() []string {
	files := []string{r.ManifestPath, r.HLSPath}
	for _, track := range r.Tracks {
		files = append(files, track.Init)
	}
	return files
}

// Transcode runs encode, package, verification and thumbnail generation.
// Encode or packaging failures fail the whole call. Thumbnail failures are
// logged and leave Result.ThumbnailPath empty.
func (t *Transcoder) Transcode(ctx context.Context, req Request) (Result, error) {
	logger := t.logger.With("asset_id", req.AssetID)
	if strings.TrimSpace(req.AssetID) == "" || strings.TrimSpace(req.SourcePath) == "" || strings.TrimSpace(req.OutputDir) == "" {
		return Result{}, fmt.Errorf("transcode: asset id, source and output dir are required")
	}
	key, err := t.keys.DeriveKey(req.AssetID)
	if err != nil {
		return Result{}, fmt.Errorf("transcode: derive key: %w", err)
	}
	keyID, err := t.keys.KeyID(req.AssetID)
	if err != nil {
		return Result{}, fmt.Errorf("transcode: derive key id: %w", err)
	}

	if err := resetDir(req.OutputDir); err != nil {
		return Result{}, fmt.Errorf("transcode: prepare output: %w", err)
	}
	scratch := req.ScratchDir
	if scratch == "" {
		scratch, err = os.MkdirTemp("", "bitriver-vod-"+req.AssetID+"-")
		if err != nil {
			return Result{}, fmt.Errorf("transcode: scratch dir: %w", err)
		}
		defer os.RemoveAll(scratch)
	} else if err := os.MkdirAll(scratch, 0o755); err != nil {
		return Result{}, fmt.Errorf("transcode: scratch dir: %w", err)
	}

	encoder := SelectEncoder(req.Quality, req.UseGPU)
	mezzanine := filepath.Join(scratch, "mezzanine.mp4")
	defer os.Remove(mezzanine)

	logger.Info("encoding mezzanine", "encoder", encoder.Kind(), "codec", encoder.Params().Codec, "preset", encoder.Params().Preset, "quality", req.Quality)
	if _, err := t.runner.Run(ctx, t.encodeCommand(encoder, req, mezzanine)); err != nil {
		return Result{}, fmt.Errorf("%w: ffmpeg: %w", ErrEncodeFailed, err)
	}

	logger.Info("packaging encrypted asset")
	if _, err := t.runner.Run(ctx, t.packageCommand(mezzanine, req.OutputDir, req.HasAudio, key, keyID)); err != nil {
		return Result{}, fmt.Errorf("%w: packager: %w", ErrEncodeFailed, err)
	}

	result := Result{
		ManifestPath: ManifestFile,
		HLSPath:      HLSMasterFile,
		Encoder:      encoder.Kind(),
	}
	tracks := []string{TrackVideo}
	if req.HasAudio {
		tracks = append(tracks, TrackAudio)
	}
	for _, track := range tracks {
		count, err := countSegments(filepath.Join(req.OutputDir, track))
		if err != nil || count == 0 {
			return Result{}, fmt.Errorf("%w: no %s segments", ErrOutputIncomplete, track)
		}
		result.Tracks = append(result.Tracks, Track{Type: track, Init: track + "/" + InitSegment, Segments: count})
	}
	for _, rel := range result.RequiredFiles() {
		if _, err := os.Stat(filepath.Join(req.OutputDir, filepath.FromSlash(rel))); err != nil {
			return Result{}, fmt.Errorf("%w: missing %s", ErrOutputIncomplete, rel)
		}
	}
	if err := VerifyMasterPlaylist(filepath.Join(req.OutputDir, HLSMasterFile)); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrOutputIncomplete, err)
	}

	result.Duration = req.DurationHint
	if measured, err := MeasurePlaylistDuration(filepath.Join(req.OutputDir, TrackVideo, MediaPlaylist)); err == nil && measured > 0 {
		result.Duration = measured
	} else if err != nil {
		logger.Debug("could not measure playlist duration", "error", err)
	}

	thumb, err := t.generateThumbnail(ctx, req, scratch, key)
	if err != nil {
		logger.Warn("thumbnail generation failed; continuing without thumbnail", "error", err)
	} else {
		result.ThumbnailPath = thumb
	}

	logger.Info("transcode complete", "duration_seconds", result.Duration, "tracks", len(result.Tracks), "thumbnail", result.ThumbnailPath != "")
	return result, nil
}

func (t *Transcoder) encodeCommand(encoder Encoder, req Request, output string) Command {
	args := []string{"-hide_banner", "-nostdin", "-nostats", "-y"}
	args = append(args, inputArgs(encoder)...)
	args = append(args, "-i", req.SourcePath, "-map", "0:v:0")
	if req.HasAudio {
		args = append(args, "-map", "0:a:0")
	}
	args = append(args, encoder.Params().Args()...)
	args = append(args,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", t.segment),
		"-sc_threshold", "0",
	)
	if req.HasAudio {
		args = append(args, "-c:a", "aac", "-b:a", "128k", "-ac", "2")
	}
	args = append(args, "-movflags", "+faststart", output)
	return Command{Name: t.ffmpeg, Args: args}
}

func (t *Transcoder) packageCommand(input, outputDir string, hasAudio bool, key, keyID []byte) Command {
	descriptor := func(track string) string {
		dir := filepath.Join(outputDir, track)
		parts := []string{
			"in=" + input,
			"stream=" + track,
			"init_segment=" + filepath.Join(dir, InitSegment),
			"segment_template=" + filepath.Join(dir, segmentTemplate),
			"playlist_name=" + track + "/" + MediaPlaylist,
		}
		if track == TrackAudio {
			parts = append(parts, "hls_group_id=audio", "hls_name=default")
		}
		return strings.Join(parts, ",")
	}
	args := []string{descriptor(TrackVideo)}
	if hasAudio {
		args = append(args, descriptor(TrackAudio))
	}
	args = append(args,
		"--enable_raw_key_encryption",
		"--protection_scheme", "cenc",
		"--keys", fmt.Sprintf("label=:key_id=%s:key=%s", hex.EncodeToString(keyID), hex.EncodeToString(key)),
		"--clear_lead", "0",
		"--segment_duration", strconv.Itoa(t.segment),
		"--start_segment_number", "0",
		"--mpd_output", filepath.Join(outputDir, ManifestFile),
		"--hls_master_playlist_output", filepath.Join(outputDir, HLSMasterFile),
		"--hls_playlist_type", "VOD",
	)
	return Command{Name: t.packager, Args: args}
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func countSegments(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() && IsSegmentFilename(entry.Name()) && entry.Name() != InitSegment {
			count++
		}
	}
	return count, nil
}
