package delivery

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/grafov/m3u8"

	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/media"
	"bitriver-vod/internal/serverutil"
)

const (
	dashContentType = "application/dash+xml"
	hlsContentType  = "application/vnd.apple.mpegurl"
)

var (
	// dashURLAttr matches the SegmentTemplate attributes that reference files.
	dashURLAttr = regexp.MustCompile(`\b(initialization|media|sourceURL)="([^"]*)"`)
	hlsURIAttr  = regexp.MustCompile(`\bURI="([^"]*)"`)
)

func (s *Server) handleDASHManifest(w http.ResponseWriter, r *http.Request) {
	pb, ok := s.authorize(w, r, nil)
	if !ok {
		return
	}
	raw, ok := s.readAssetFile(w, pb, s.manifestPath(pb))
	if !ok {
		return
	}
	writeManifest(w, r, dashContentType, RewriteDASHManifest(raw, pb.token))
}

func (s *Server) handleHLSMaster(w http.ResponseWriter, r *http.Request) {
	pb, ok := s.authorize(w, r, nil)
	if !ok {
		return
	}
	raw, ok := s.readAssetFile(w, pb, s.hlsPath(pb))
	if !ok {
		return
	}
	body, err := RewriteHLSPlaylist(raw, pb.token)
	if err != nil {
		pb.logger.Error("rewrite hls master failed", "error", err)
		serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeManifest(w, r, hlsContentType, body)
}

func (s *Server) handleMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	track := mux.Vars(r)["track"]
	pb, ok := s.authorize(w, r, func() bool { return media.IsTrack(track) })
	if !ok {
		return
	}
	raw, ok := s.readAssetFile(w, pb, filepath.Join(track, media.MediaPlaylist))
	if !ok {
		return
	}
	body, err := RewriteHLSPlaylist(raw, pb.token)
	if err != nil {
		pb.logger.Error("rewrite hls playlist failed", "track", track, "error", err)
		serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeManifest(w, r, hlsContentType, body)
}

func (s *Server) manifestPath(pb *playback) string {
	if pb.asset != nil && pb.asset.ManifestPath != "" {
		return filepath.FromSlash(pb.asset.ManifestPath)
	}
	return media.ManifestFile
}

func (s *Server) hlsPath(pb *playback) string {
	if pb.asset != nil && pb.asset.HLSPath != "" {
		return filepath.FromSlash(pb.asset.HLSPath)
	}
	return media.HLSMasterFile
}

// readAssetFile loads rel from the asset directory. rel comes from the
// registry or from validated route variables, never from raw client input.
func (s *Server) readAssetFile(w http.ResponseWriter, pb *playback, rel string) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(pb.dir, rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			serverutil.WriteError(w, http.StatusNotFound, "asset not found")
			return nil, false
		}
		pb.logger.Error("read asset file failed", "file", rel, "error", err)
		serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return data, true
}

func writeManifest(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	setNoStore(w)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

// RewriteDASHManifest appends the playback token to every segment template
// URL in an MPD document.
func RewriteDASHManifest(mpd []byte, token string) []byte {
	return dashURLAttr.ReplaceAllFunc(mpd, func(match []byte) []byte {
		parts := dashURLAttr.FindSubmatch(match)
		attr, value := string(parts[1]), string(parts[2])
		sep := "?"
		if strings.Contains(value, "?") {
			sep = "&amp;"
		}
		return []byte(fmt.Sprintf(`%s="%s%s%s=%s"`, attr, value, sep, auth.TokenQueryParam, url.QueryEscape(token)))
	})
}

// RewriteHLSPlaylist appends the playback token to every URI in a master or
// media playlist so players that cannot set headers keep authorizing. Only URI
// lines and URI="..." tag attributes change; every other byte is preserved so
// tags the decoder does not model, such as EXT-X-KEY KEYID, survive.
func RewriteHLSPlaylist(raw []byte, token string) ([]byte, error) {
	if _, _, err := m3u8.DecodeFrom(bytes.NewReader(raw), false); err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	var out bytes.Buffer
	out.Grow(len(raw) + 64)
	for _, line := range bytes.SplitAfter(raw, []byte("\n")) {
		content := bytes.TrimRight(line, "\r\n")
		ending := line[len(content):]
		trimmed := bytes.TrimSpace(content)
		switch {
		case len(trimmed) == 0:
			out.Write(line)
		case trimmed[0] == '#':
			out.Write(hlsURIAttr.ReplaceAllFunc(content, func(match []byte) []byte {
				value := hlsURIAttr.FindSubmatch(match)[1]
				return []byte(`URI="` + withToken(string(value), token) + `"`)
			}))
			out.Write(ending)
		default:
			lead := bytes.Index(content, trimmed)
			out.Write(content[:lead])
			out.WriteString(withToken(string(trimmed), token))
			out.Write(content[lead+len(trimmed):])
			out.Write(ending)
		}
	}
	return out.Bytes(), nil
}

func withToken(uri, token string) string {
	if uri == "" || alreadyTokenized(uri) || !fetchable(uri) {
		return uri
	}
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + auth.TokenQueryParam + "=" + url.QueryEscape(token)
}

func alreadyTokenized(uri string) bool {
	return strings.Contains(uri, auth.TokenQueryParam+"=")
}

// fetchable reports whether a player will request uri from this server.
// Key system URIs such as skd:// or data: payloads never carry a token.
func fetchable(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return parsed.Scheme == "" || parsed.Scheme == "http" || parsed.Scheme == "https"
}
