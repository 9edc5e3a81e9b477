package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"bitriver-vod/internal/thumbcrypt"
)

const (
	sceneThreshold   = "0.4"
	fallbackSeekSecs = 3.0
	thumbnailWidth   = 640
)

// generateThumbnail grabs a representative frame, encrypts it with key and
// writes it to the output directory. Scene detection is tried first so the
// frame is not a black leader; a fixed seek is the fallback.
func (t *Transcoder) generateThumbnail(ctx context.Context, req Request, scratch string, key []byte) (string, error) {
	jpeg := filepath.Join(scratch, "thumbnail.jpg")
	defer os.Remove(jpeg)

	scale := fmt.Sprintf("scale=%d:-2", thumbnailWidth)
	sceneCmd := Command{Name: t.ffmpeg, Args: []string{
		"-hide_banner", "-nostdin", "-nostats", "-y",
		"-i", req.SourcePath,
		"-vf", fmt.Sprintf("select='gt(scene,%s)',%s", sceneThreshold, scale),
		"-frames:v", "1", "-vsync", "vfr", "-q:v", "3",
		jpeg,
	}}
	if _, err := t.runner.Run(ctx, sceneCmd); err != nil || !nonEmptyFile(jpeg) {
		seek := fallbackSeek(req.DurationHint)
		t.logger.Debug("scene detection yielded no frame; using fixed seek", "asset_id", req.AssetID, "seek_seconds", seek)
		seekCmd := Command{Name: t.ffmpeg, Args: []string{
			"-hide_banner", "-nostdin", "-nostats", "-y",
			"-ss", strconv.FormatFloat(seek, 'f', 3, 64),
			"-i", req.SourcePath,
			"-vf", scale,
			"-frames:v", "1", "-q:v", "3",
			jpeg,
		}}
		if _, err := t.runner.Run(ctx, seekCmd); err != nil {
			return "", fmt.Errorf("grab frame: %w", err)
		}
		if !nonEmptyFile(jpeg) {
			return "", fmt.Errorf("grab frame: no image produced")
		}
	}

	plaintext, err := os.ReadFile(jpeg)
	if err != nil {
		return "", fmt.Errorf("read thumbnail: %w", err)
	}
	sealed, err := thumbcrypt.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("encrypt thumbnail: %w", err)
	}
	if err := os.WriteFile(filepath.Join(req.OutputDir, ThumbnailFile), sealed, 0o644); err != nil {
		return "", fmt.Errorf("write thumbnail: %w", err)
	}
	return ThumbnailFile, nil
}

// fallbackSeek keeps the fixed seek inside short clips.
func fallbackSeek(duration float64) float64 {
	if duration > 0 && duration <= fallbackSeekSecs {
		return math.Floor(duration*500) / 1000
	}
	return fallbackSeekSecs
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
