package media

import (
	"fmt"
	"os"

	"github.com/grafov/m3u8"
)

// VerifyMasterPlaylist checks that path is an HLS master playlist with at
// least one variant.
func VerifyMasterPlaylist(path string) error {
	playlist, err := decodePlaylistFile(path)
	if err != nil {
		return err
	}
	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return fmt.Errorf("%s is not a master playlist", path)
	}
	if len(master.Variants) == 0 {
		return fmt.Errorf("%s has no variants", path)
	}
	return nil
}

// MeasurePlaylistDuration sums the segment durations of an HLS media playlist.
func MeasurePlaylistDuration(path string) (float64, error) {
	playlist, err := decodePlaylistFile(path)
	if err != nil {
		return 0, err
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return 0, fmt.Errorf("%s is not a media playlist", path)
	}
	total := 0.0
	for _, segment := range media.Segments {
		if segment == nil {
			continue
		}
		total += segment.Duration
	}
	return total, nil
}

func decodePlaylistFile(path string) (m3u8.Playlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	playlist, _, err := m3u8.DecodeFrom(f, true)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return playlist, nil
}
