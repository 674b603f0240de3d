package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"raidstore/internal/engine"
	"raidstore/internal/rebuild"
	"raidstore/internal/ui"
	"raidstore/pkg/auth"
	"raidstore/pkg/storage"
)

const (
	// multipartOverhead is the allowance on top of the object size limit for
	// multipart boundaries and part headers.
	multipartOverhead = 1 << 20

	// maxFormMemory is how much of a multipart form is buffered in memory
	// before spilling to temporary files.
	maxFormMemory = 32 << 20

	defaultContentType = "application/octet-stream"
)

// Server exposes an engine.Engine over HTTP.
type Server struct {
	Config Config
}

// NewServer validates cfg and returns a new Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine must not be nil")
	}

	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewBasicAuthEngine(auth.DefaultUser, auth.DefaultPassword)
	}

	return &Server{Config: cfg}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encoding JSON response", "err", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, Msg{Detail: detail})
}

// errorStatus maps an engine error to the HTTP status and detail message
// returned to the client.
func errorStatus(err error) (int, string) {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr), errors.Is(err, engine.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "File too large"
	case errors.Is(err, engine.ErrAlreadyExists):
		return http.StatusConflict, "File already exists"
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "File not found"
	case errors.Is(err, engine.ErrInvalidName):
		return http.StatusBadRequest, "Invalid file name"
	case errors.Is(err, storage.ErrInvalidDisk):
		return http.StatusBadRequest, "Invalid disk index"
	case errors.Is(err, engine.ErrWriteVerificationFailed):
		return http.StatusInternalServerError, "Write verification failed"
	case errors.Is(err, engine.ErrRebuildIncomplete):
		return http.StatusInternalServerError, "Rebuild incomplete"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "err", err, "request_id", RequestIDFromContext(r.Context()))
	}
	writeDetail(w, status, detail)
}

func toFile(obj engine.Object, content []byte) File {
	return File{
		Name:        obj.Name,
		Size:        obj.Size,
		Checksum:    obj.Checksum,
		ContentType: obj.ContentType,
		Content:     content,
	}
}

// readUpload reads the multipart "file" field of r. The body is capped so
// that an oversized upload fails before it is fully buffered.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (name string, content []byte, contentType string, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Config.Engine.MaxSize()+multipartOverhead)

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		return "", nil, "", err
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, "", err
	}
	defer f.Close()

	content, err = io.ReadAll(f)
	if err != nil {
		return "", nil, "", err
	}

	contentType = header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	return header.Filename, content, contentType, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, status int,
	op func(ctx context.Context, name string, content []byte, contentType string) (engine.Object, error)) {

	name, content, contentType, err := s.readUpload(w, r)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, err)
			return
		}
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid upload: %v", err))
		return
	}

	obj, err := op(r.Context(), name, content, contentType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, status, toFile(obj, content))
}

func (s *Server) handleFileCreate(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, http.StatusCreated, s.Config.Engine.Create)
}

func (s *Server) handleFileUpdate(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, http.StatusOK, s.Config.Engine.Update)
}

func filenameParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.URL.Query().Get("filename")
	if name == "" {
		writeDetail(w, http.StatusBadRequest, "Missing filename parameter")
		return "", false
	}
	return name, true
}

func setObjectHeaders(w http.ResponseWriter, obj engine.Object) {
	contentType := obj.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": obj.Name}))
	w.Header().Set("ETag", `"`+obj.Checksum+`"`)
	if !obj.ModifiedAt.IsZero() {
		w.Header().Set("Last-Modified", obj.ModifiedAt.UTC().Format(http.TimeFormat))
	}
}

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	name, ok := filenameParam(w, r)
	if !ok {
		return
	}

	obj, err := s.Config.Engine.Retrieve(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	setObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(obj.Content); err != nil {
		slog.Debug("Writing object body", "name", name, "err", err)
	}
}

func (s *Server) handleFileHead(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	obj, err := s.Config.Engine.Stat(r.Context(), name)
	if err != nil {
		status, _ := errorStatus(err)
		w.WriteHeader(status)
		return
	}

	setObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	name, ok := filenameParam(w, r)
	if !ok {
		return
	}

	if err := s.Config.Engine.Delete(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}

	writeDetail(w, http.StatusOK, "File deleted")
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	objects, err := s.Config.Engine.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	files := make([]FileInfo, len(objects))
	for i, obj := range objects {
		files[i] = FileInfo{
			Name:        obj.Name,
			Size:        obj.Size,
			Checksum:    obj.Checksum,
			ContentType: obj.ContentType,
			CreatedAt:   obj.CreatedAt,
			ModifiedAt:  obj.ModifiedAt,
		}
	}

	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	objects, err := s.Config.Engine.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	set := s.Config.Engine.Disks()
	disks := make([]ui.Disk, set.Count())
	for i, root := range set.Roots() {
		disks[i] = ui.Disk{Index: i, Root: root, Parity: i == set.ParityIndex()}
	}

	files := make([]ui.File, len(objects))
	for i, obj := range objects {
		files[i] = ui.File{
			Name:        obj.Name,
			Size:        obj.Size,
			ContentType: obj.ContentType,
			Checksum:    obj.Checksum,
			ModifiedAt:  obj.ModifiedAt,
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.FilesPage(disks, files).Render(r.Context(), w); err != nil {
		slog.Error("Rendering index page", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeDetail(w, http.StatusOK, "Service healthy")
}

func toRebuildReport(report rebuild.Report) RebuildReport {
	out := RebuildReport{
		Disk:    report.Disk,
		Rebuilt: make([]string, 0, len(report.Rebuilt)),
		Failed:  make([]RebuildFailure, 0, len(report.Failed)),
	}
	out.Rebuilt = append(out.Rebuilt, report.Rebuilt...)
	for _, f := range report.Failed {
		out.Failed = append(out.Failed, RebuildFailure{Name: f.Name, Error: f.Err.Error()})
	}
	return out
}

func (s *Server) handleAdminRebuild(w http.ResponseWriter, r *http.Request, diskParam string) {
	disk, err := strconv.Atoi(diskParam)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid disk index")
		return
	}

	report, err := s.Config.Engine.Rebuild(r.Context(), disk, nil)
	switch {
	case errors.Is(err, engine.ErrRebuildIncomplete):
		slog.Error("Rebuild incomplete", "disk", disk, "failed", len(report.Failed), "request_id", RequestIDFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, toRebuildReport(report))
	case err != nil:
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, toRebuildReport(report))
	}
}

func (s *Server) handleAdminCheck(w http.ResponseWriter, r *http.Request) {
	name, ok := filenameParam(w, r)
	if !ok {
		return
	}

	res, err := s.Config.Engine.Check(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckResult{Name: name, Status: res.Status.String(), Reason: res.Reason})
}
