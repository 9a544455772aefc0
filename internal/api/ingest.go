package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/parser"
)

// handleUpload stores the request body under the upload directory and
// ingests it. Re-uploading the same filename reaches the same progress
// marker, so update_mode=append ingests only the new tail.
func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := uploadName(r.URL.Query().Get("filename"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		mode, err := ingest.ParseUpdateMode(r.URL.Query().Get("update_mode"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxBodyBytes)
		defer r.Body.Close()
		path := filepath.Join(deps.UploadDir, name)
		if err := saveUpload(path, r.Body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload: %v", err)
			return
		}

		res, err := deps.Ingester.Ingest(r.Context(), ingest.Request{Path: path, Source: ingest.SourceUpload, Mode: mode})
		view := ingestView(res, path)
		if err != nil {
			code, errType := ingestErrorStatus(err)
			view.Error = err.Error()
			writeJSON(w, code, map[string]any{
				"error": errorDetail{Message: err.Error(), Type: errType},
				"job":   view,
			})
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func uploadName(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("filename query parameter is required")
	}
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(raw, "\\", "/")))
	if name == "/" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid filename %q", raw)
	}
	return name, nil
}

// saveUpload writes body to path through a temporary file in the same
// directory so a concurrent reader never sees a partial upload.
func saveUpload(path string, body io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ingestErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, parser.ErrNoParserFound), errors.Is(err, parser.ErrParseFormat):
		return http.StatusUnprocessableEntity, "unsupported_format"
	case errors.Is(err, ingest.ErrAppendRequiresAppend):
		return http.StatusConflict, "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "api_error"
}
