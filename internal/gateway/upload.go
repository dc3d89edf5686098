package gateway

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

// UploadDestination writes an uploaded file's bytes under root/relPath,
// implemented by *fsroots.Manager. Declared as an interface here to keep
// the gateway package free of a direct fsroots import.
type UploadDestination interface {
	Resolve(root, relPath string) (string, error)
}

// UploadResult is the response body for a completed upload, per
// spec.md §6's upload scenario (`{"filename":..., "print_started":...}`).
type UploadResult struct {
	Filename     string `json:"filename"`
	PrintStarted bool   `json:"print_started"`
}

// RegisterUpload wires the multipart upload handler directly onto s's
// mux, bypassing the uniform Request abstraction since multipart bodies
// need direct access to the http.Request's file parts (spec.md §4.6
// marks uploads http_only).
func (s *Server) RegisterUpload(path string, dest UploadDestination, startPrint func(absPath string) error) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		s.auth.ApplyCORSHeaders(w)
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.auth.CheckAuthorized(r) {
			writeHTTPError(w, gwerr.Unauthorized("Unauthorized"))
			return
		}

		result, err := s.handleMultipartUpload(r, dest, startPrint)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		writeHTTPResult(w, result)
	})
}

func (s *Server) handleMultipartUpload(r *http.Request, dest UploadDestination, startPrint func(string) error) (*UploadResult, error) {
	if err := r.ParseMultipartForm(256 << 20); err != nil {
		return nil, gwerr.Client(400, "invalid multipart body: %v", err)
	}

	root := firstOr(r.MultipartForm.Value["root"], "gcodes")
	subPath := firstOr(r.MultipartForm.Value["path"], "")
	wantPrint, _ := strconv.ParseBool(firstOr(r.MultipartForm.Value["print"], "false"))

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, gwerr.Client(400, "missing file part: %v", err)
	}
	defer file.Close()

	filename := firstOr(r.MultipartForm.Value["filename"], header.Filename)
	if filename == "" {
		return nil, gwerr.Client(400, "missing filename")
	}

	relPath := filepath.Join(subPath, filename)
	absPath, err := dest.Resolve(root, relPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, gwerr.IO(err, "creating upload directory")
	}

	out, err := os.OpenFile(absPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, gwerr.IO(err, "creating uploaded file")
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		return nil, gwerr.IO(err, "writing uploaded file")
	}

	result := &UploadResult{Filename: filename}
	if wantPrint && root == "gcodes" && startPrint != nil {
		if err := startPrint(absPath); err != nil {
			s.log.Warn().Err(err).Str("filename", filename).Msg("failed to start print after upload")
		} else {
			result.PrintStarted = true
		}
	}
	return result, nil
}

func firstOr(values []string, def string) string {
	if len(values) > 0 {
		return values[0]
	}
	return def
}
