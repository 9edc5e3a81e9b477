// Package mediatest provides a fake media tool runner that produces
// realistic packaged output without ffmpeg, ffprobe or packager installed.
package mediatest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"bitriver-vod/internal/media"
)

// JPEG is the fake frame written for thumbnails.
var JPEG = append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte("thumb"), 64)...)

// Runner fakes ffprobe, ffmpeg and packager.
type Runner struct {
	// ProbeJSON is returned for ffprobe invocations.
	ProbeJSON string
	// Segments is the number of media segments written per track (default 3).
	Segments int
	// SegmentSize is the size in bytes of every media segment (default 5000).
	SegmentSize int
	// SegmentSeconds is the EXTINF duration written to playlists (default 2).
	SegmentSeconds float64

	FailProbe      bool
	FailEncode     bool
	FailPackage    bool
	NoSceneFrame   bool
	FailThumbnail  bool
	SkipAudioTrack bool

	mu    sync.Mutex
	calls []media.Command
}

// Calls returns the commands run so far.
func (r *Runner) Calls() []media.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]media.Command(nil), r.calls...)
}

// CallsTo returns commands whose tool name ends in tool.
func (r *Runner) CallsTo(tool string) []media.Command {
	var out []media.Command
	for _, call := range r.Calls() {
		if filepath.Base(call.Name) == tool {
			out = append(out, call)
		}
	}
	return out
}

func (r *Runner) Run(ctx context.Context, cmd media.Command) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	switch filepath.Base(cmd.Name) {
	case "ffprobe":
		if r.FailProbe {
			return nil, &media.CommandError{Name: cmd.Name, ExitCode: 1, Stderr: "Invalid data found when processing input"}
		}
		return []byte(r.ProbeJSON), nil
	case "ffmpeg":
		return nil, r.ffmpeg(cmd)
	case "packager":
		return nil, r.packager(cmd)
	default:
		return nil, fmt.Errorf("mediatest: unexpected tool %q", cmd.Name)
	}
}

func (r *Runner) ffmpeg(cmd media.Command) error {
	if len(cmd.Args) == 0 {
		return &media.CommandError{Name: cmd.Name, ExitCode: 1}
	}
	output := cmd.Args[len(cmd.Args)-1]
	if strings.HasSuffix(output, ".jpg") {
		if r.FailThumbnail {
			return &media.CommandError{Name: cmd.Name, ExitCode: 1, Stderr: "thumbnail failed"}
		}
		if r.NoSceneFrame && strings.Contains(strings.Join(cmd.Args, " "), "select=") {
			// ffmpeg exits zero but writes nothing when no frame passes the filter.
			return nil
		}
		return os.WriteFile(output, JPEG, 0o644)
	}
	if r.FailEncode {
		return &media.CommandError{Name: cmd.Name, ExitCode: 187, Stderr: "Conversion failed!"}
	}
	return os.WriteFile(output, []byte("mezzanine"), 0o644)
}

func (r *Runner) packager(cmd media.Command) error {
	if r.FailPackage {
		return &media.CommandError{Name: cmd.Name, ExitCode: 1, Stderr: "packaging failed"}
	}
	segments := r.Segments
	if segments <= 0 {
		segments = 3
	}
	size := r.SegmentSize
	if size <= 0 {
		size = 5000
	}
	seconds := r.SegmentSeconds
	if seconds <= 0 {
		seconds = 2
	}

	var mpdPath, masterPath string
	var tracks []map[string]string
	for i := 0; i < len(cmd.Args); i++ {
		arg := cmd.Args[i]
		switch {
		case strings.HasPrefix(arg, "in="):
			tracks = append(tracks, parseDescriptor(arg))
		case arg == "--mpd_output" && i+1 < len(cmd.Args):
			mpdPath = cmd.Args[i+1]
		case arg == "--hls_master_playlist_output" && i+1 < len(cmd.Args):
			masterPath = cmd.Args[i+1]
		}
	}
	if mpdPath == "" || masterPath == "" {
		return &media.CommandError{Name: cmd.Name, ExitCode: 1, Stderr: "missing outputs"}
	}

	var audioPlaylist string
	var videoPlaylist string
	for _, track := range tracks {
		if track["stream"] == media.TrackAudio && r.SkipAudioTrack {
			continue
		}
		init := track["init_segment"]
		if err := os.MkdirAll(filepath.Dir(init), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(init, []byte("ftyp-moov-"+track["stream"]), 0o644); err != nil {
			return err
		}
		var playlist strings.Builder
		playlist.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n")
		fmt.Fprintf(&playlist, "#EXT-X-TARGETDURATION:%d\n", int(seconds+0.5))
		playlist.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-MEDIA-SEQUENCE:0\n")
		playlist.WriteString("#EXT-X-MAP:URI=\"init.mp4\"\n")
		for n := 0; n < segments; n++ {
			name := strings.Replace(track["segment_template"], "$Number%04d$", fmt.Sprintf("%04d", n), 1)
			if err := os.WriteFile(name, segmentBytes(n, size), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(&playlist, "#EXTINF:%.3f,\n%s\n", seconds, filepath.Base(name))
		}
		playlist.WriteString("#EXT-X-ENDLIST\n")
		playlistPath := filepath.Join(filepath.Dir(masterPath), filepath.FromSlash(track["playlist_name"]))
		if err := os.WriteFile(playlistPath, []byte(playlist.String()), 0o644); err != nil {
			return err
		}
		if track["stream"] == media.TrackAudio {
			audioPlaylist = track["playlist_name"]
		} else {
			videoPlaylist = track["playlist_name"]
		}
	}

	var master strings.Builder
	master.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n")
	audioAttr := ""
	if audioPlaylist != "" {
		fmt.Fprintf(&master, "#EXT-X-MEDIA:TYPE=AUDIO,URI=\"%s\",GROUP-ID=\"audio\",NAME=\"default\",DEFAULT=YES,AUTOSELECT=YES\n", audioPlaylist)
		audioAttr = ",AUDIO=\"audio\""
	}
	fmt.Fprintf(&master, "#EXT-X-STREAM-INF:BANDWIDTH=2500000,CODECS=\"avc1.64001f,mp4a.40.2\",RESOLUTION=1280x720%s\n%s\n", audioAttr, videoPlaylist)
	if err := os.WriteFile(masterPath, []byte(master.String()), 0o644); err != nil {
		return err
	}

	mpd := `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT6S">
  <Period>
    <AdaptationSet contentType="video">
      <Representation id="0" bandwidth="2500000" codecs="avc1.64001f" mimeType="video/mp4">
        <SegmentTemplate timescale="1000" initialization="video/init.mp4" media="video/segment-$Number%04d$.m4s" startNumber="0" duration="2000"/>
      </Representation>
    </AdaptationSet>
    <AdaptationSet contentType="audio">
      <Representation id="1" bandwidth="128000" codecs="mp4a.40.2" mimeType="audio/mp4">
        <SegmentTemplate timescale="1000" initialization="audio/init.mp4" media="audio/segment-$Number%04d$.m4s" startNumber="0" duration="2000"/>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>
`
	return os.WriteFile(mpdPath, []byte(mpd), 0o644)
}

func parseDescriptor(arg string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(arg, ",") {
		key, value, ok := strings.Cut(part, "=")
		if ok {
			fields[key] = value
		}
	}
	return fields
}

func segmentBytes(n, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte((i + n) % 251)
	}
	return buf
}

// ProbeJSON builds ffprobe output for a source with the given properties.
func ProbeJSON(durationSeconds float64, width, height int, bitRate int64, withAudio bool) string {
	streams := fmt.Sprintf(`{"index":0,"codec_type":"video","codec_name":"h264","width":%d,"height":%d,"avg_frame_rate":"30000/1001","r_frame_rate":"30/1","bit_rate":"%d","duration":"%.6f"}`,
		width, height, bitRate, durationSeconds)
	if withAudio {
		streams += `,{"index":1,"codec_type":"audio","codec_name":"aac","sample_rate":"48000","channels":2,"bit_rate":"128000"}`
	}
	return fmt.Sprintf(`{"streams":[%s],"format":{"filename":"source.mp4","format_name":"mov,mp4,m4a,3gp,3g2,mj2","duration":"%.6f","size":"%d","bit_rate":"%d"}}`,
		streams, durationSeconds, int64(durationSeconds*float64(bitRate)/8), bitRate)
}
