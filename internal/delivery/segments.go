package delivery

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"bitriver-vod/internal/media"
	"bitriver-vod/internal/serverutil"
)

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	track, filename := vars["track"], vars["filename"]
	pb, ok := s.authorize(w, r, func() bool {
		return media.IsTrack(track) && media.IsSegmentFilename(filename)
	})
	if !ok {
		return
	}

	file, err := os.Open(filepath.Join(pb.dir, track, filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			serverutil.WriteError(w, http.StatusNotFound, "segment not found")
			return
		}
		pb.logger.Error("open segment failed", "track", track, "file", filename, "error", err)
		serverutil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		serverutil.WriteError(w, http.StatusNotFound, "segment not found")
		return
	}
	size := info.Size()

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", media.SegmentContentType(track, filename))
	header.Set("Cache-Control", segmentCacheControl)
	header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	byteRange, err := ParseRange(r.Header.Get("Range"), size)
	if err != nil {
		header.Del("Content-Type")
		header.Set("Content-Range", UnsatisfiedContentRange(size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	status := http.StatusOK
	body := io.Reader(file)
	length := size
	if byteRange != nil {
		status = http.StatusPartialContent
		length = byteRange.Length()
		body = io.NewSectionReader(file, byteRange.Start, length)
		header.Set("Content-Range", byteRange.ContentRange(size))
	}
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.CopyN(w, body, length); err != nil {
		pb.logger.Debug("segment write interrupted", "track", track, "file", filename, "error", err)
	}
}
