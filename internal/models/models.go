package models

import (
	"strings"
	"time"
)

// AssetStatus tracks an asset through ingestion. Transitions only move
// forward; failed is terminal for the asset id.
type AssetStatus string

const (
	AssetStatusIngesting   AssetStatus = "ingesting"
	AssetStatusAnalyzing   AssetStatus = "analyzing"
	AssetStatusTranscoding AssetStatus = "transcoding"
	AssetStatusReady       AssetStatus = "ready"
	AssetStatusFailed      AssetStatus = "failed"
)

var statusOrder = map[AssetStatus]int{
	AssetStatusIngesting:   0,
	AssetStatusAnalyzing:   1,
	AssetStatusTranscoding: 2,
	AssetStatusReady:       3,
	AssetStatusFailed:      3,
}

// ParseAssetStatus normalizes a status string and reports whether it is known.
func ParseAssetStatus(value string) (AssetStatus, bool) {
	status := AssetStatus(strings.ToLower(strings.TrimSpace(value)))
	_, ok := statusOrder[status]
	return status, ok
}

// Terminal reports whether no further transitions are allowed.
func (s AssetStatus) Terminal() bool {
	return s == AssetStatusReady || s == AssetStatusFailed
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic. Any non-terminal status may move to failed.
func (s AssetStatus) CanTransition(next AssetStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == AssetStatusFailed {
		return true
	}
	from, okFrom := statusOrder[s]
	to, okTo := statusOrder[next]
	if !okFrom || !okTo {
		return false
	}
	return to > from
}

// Quality is the encoding tier recommended by analysis.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityFast   Quality = "fast"
)

// ParseQuality returns the tier for value, defaulting to medium.
func ParseQuality(value string) Quality {
	switch Quality(strings.ToLower(strings.TrimSpace(value))) {
	case QualityHigh:
		return QualityHigh
	case QualityFast:
		return QualityFast
	default:
		return QualityMedium
	}
}

// Metadata describes the technical properties of the source media.
type Metadata struct {
	DurationSeconds float64 `json:"durationSeconds"`
	BitRate         int64   `json:"bitRate"`
	VideoCodec      string  `json:"videoCodec"`
	AudioCodec      string  `json:"audioCodec,omitempty"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FrameRate       float64 `json:"frameRate"`
	Resolution      string  `json:"resolution"`
	Quality         Quality `json:"quality"`
	FormatName      string  `json:"formatName,omitempty"`
}

// Asset is one ingested video and everything derived from it.
type Asset struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"ownerId,omitempty"`
	Title         string      `json:"title"`
	SourceName    string      `json:"sourceName,omitempty"`
	Status        AssetStatus `json:"status"`
	Metadata      *Metadata   `json:"metadata,omitempty"`
	ManifestPath  string      `json:"manifestPath,omitempty"`
	HLSPath       string      `json:"hlsPath,omitempty"`
	ThumbnailPath string      `json:"thumbnailPath,omitempty"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	ReadyAt       *time.Time  `json:"readyAt,omitempty"`
}

// Ready reports whether the asset may be served.
func (a Asset) Ready() bool {
	return a.Status == AssetStatusReady
}

// ValidAssetID reports whether id is safe to use as a single path element.
// Asset ids are UUIDs in practice; the check accepts any short token of
// letters, digits, dashes and underscores.
func ValidAssetID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case (r == '-' || r == '_') && i > 0:
		default:
			return false
		}
	}
	return true
}
