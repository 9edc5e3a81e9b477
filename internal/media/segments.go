package media

import (
	"regexp"
	"strings"
)

var segmentFilenamePattern = regexp.MustCompile(`^(init\.mp4|segment-[0-9]{4}\.m4s)$`)

// IsSegmentFilename reports whether name is an initialization segment or a
// four-digit numbered media segment. Nothing else may be joined into a path.
func IsSegmentFilename(name string) bool {
	if strings.ContainsRune(name, 0) {
		return false
	}
	return segmentFilenamePattern.MatchString(name)
}

// IsTrack reports whether track names a packaged track directory.
func IsTrack(track string) bool {
	return track == TrackVideo || track == TrackAudio
}

// SegmentContentType returns the media type for a validated segment filename.
func SegmentContentType(track, filename string) string {
	if filename == InitSegment {
		if track == TrackAudio {
			return "audio/mp4"
		}
		return "video/mp4"
	}
	return "video/iso.segment"
}
