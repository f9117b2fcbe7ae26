package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/kirillkom/ocr-ingest/internal/config"
	"github.com/kirillkom/ocr-ingest/internal/core/domain"
	"github.com/kirillkom/ocr-ingest/internal/core/ports"
	"github.com/kirillkom/ocr-ingest/internal/observability/metrics"
)

const (
	serviceName = "api"
	xlsxMime    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type Router struct {
	cfg      config.Config
	ingest   ports.FileIngestor
	catalog  ports.FileCatalog
	exporter ports.CatalogExporter
	metrics  *metrics.HTTPServerMetrics
	checks   map[string]HealthCheck
}

type RouterOption func(*Router)

func WithMetrics(m *metrics.HTTPServerMetrics) RouterOption {
	return func(rt *Router) { rt.metrics = m }
}

func WithHealthCheck(name string, check HealthCheck) RouterOption {
	return func(rt *Router) {
		if check != nil {
			rt.checks[name] = check
		}
	}
}

func NewRouter(
	cfg config.Config,
	ingest ports.FileIngestor,
	catalog ports.FileCatalog,
	exporter ports.CatalogExporter,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:      cfg,
		ingest:   ingest,
		catalog:  catalog,
		exporter: exporter,
		checks:   make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Handler assembles routes and the middleware chain. It fails only when the
// embedded OpenAPI document is invalid.
func (rt *Router) Handler() (http.Handler, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /openapi.yaml", serveOpenAPIDocument)
	mux.HandleFunc("POST /upload", rt.uploadFile)
	mux.HandleFunc("GET /files", rt.listFiles)
	mux.HandleFunc("DELETE /files", rt.deleteFiles)
	mux.HandleFunc("GET /files/export.xlsx", rt.exportFiles)
	mux.HandleFunc("GET /files/{id}", rt.downloadFile)
	mux.HandleFunc("GET /files/{id}/meta", rt.getFile)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = validator.middleware(handler, rt.rejected("validation"))
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait, rt.rejected("backpressure"))
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.rejected("rate_limit"))
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler, nil
}

func (rt *Router) rejected(reason string) func() {
	return func() {
		if rt.metrics != nil {
			rt.metrics.RecordRejected(serviceName, reason)
		}
	}
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(rt.checks))
	healthy := true
	for name, check := range rt.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": results})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": results})
}

func (rt *Router) uploadFile(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxUploadBytes)
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "read multipart", err))
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		file, err := rt.ingest.Upload(r.Context(), part.FileName(), part.Header.Get("Content-Type"), part)
		_ = part.Close()
		if err != nil {
			rt.writeError(w, r, err)
			return
		}
		if rt.metrics != nil {
			rt.metrics.RecordUpload(serviceName, file.MimeType, file.SizeBytes)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "File uploaded successfully",
			"file":    file,
		})
		return
	}

	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
}

func (rt *Router) listFiles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.ListFilter{
		Status: domain.FileStatus(query.Get("status")),
		Order:  domain.OrderInserted,
	}
	if query.Get("order") == string(domain.OrderNewest) {
		filter.Order = domain.OrderNewest
	}
	var err error
	if filter.Limit, err = intParam(query, "limit"); err != nil {
		rt.writeError(w, r, err)
		return
	}
	if filter.Offset, err = intParam(query, "offset"); err != nil {
		rt.writeError(w, r, err)
		return
	}

	files, err := rt.catalog.List(r.Context(), filter)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []domain.UploadedFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (rt *Router) deleteFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileIDs []string `json:"fileIds"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.FileIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fileIds must be a non-empty array"})
		return
	}

	deleted, err := rt.catalog.Delete(r.Context(), req.FileIDs)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%d file(s) deleted", deleted),
		"deleted": deleted,
	})
}

func (rt *Router) downloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := rt.fileID(w, r)
	if !ok {
		return
	}

	file, body, err := rt.catalog.Open(r.Context(), id)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Disposition", contentDisposition(file.OriginalName))
	if seeker, ok := body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", file.DateUploaded, seeker)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(file.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		slog.Warn("download_interrupted", "request_id", requestIDFromContext(r.Context()), "file_id", id, "error", err)
	}
}

func (rt *Router) getFile(w http.ResponseWriter, r *http.Request) {
	id, ok := rt.fileID(w, r)
	if !ok {
		return
	}
	file, err := rt.catalog.Get(r.Context(), id)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (rt *Router) exportFiles(w http.ResponseWriter, r *http.Request) {
	files, err := rt.catalog.List(r.Context(), domain.ListFilter{Order: domain.OrderInserted})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	data, err := rt.exporter.Export(r.Context(), files)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	name := "files-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
	w.Header().Set("Content-Type", xlsxMime)
	w.Header().Set("Content-Disposition", contentDisposition(name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// fileID binds the {id} path segment as a UUID. Ids that are not UUIDs
// cannot exist, so they are answered as not found.
func (rt *Router) fileID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		rt.writeError(w, r, domain.WrapError(domain.ErrFileNotFound, "bind file id", err))
		return "", false
	}
	return id.String(), true
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": publicMessage(status, err)})
}

func intParam(query url.Values, name string) (int, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "parse query", fmt.Errorf("%s must be a non-negative integer", name))
	}
	return n, nil
}

// contentDisposition builds an attachment header with a quoted ASCII
// filename and, for non-ASCII names, an RFC 5987 filename* parameter.
func contentDisposition(name string) string {
	var fallback strings.Builder
	ascii := true
	for _, r := range name {
		switch {
		case r > unicode.MaxASCII || !unicode.IsPrint(r):
			ascii = false
			fallback.WriteByte('_')
		case r == '"' || r == '\\':
			fallback.WriteByte('\\')
			fallback.WriteRune(r)
		default:
			fallback.WriteRune(r)
		}
	}
	header := `attachment; filename="` + fallback.String() + `"`
	if !ascii {
		header += "; filename*=UTF-8''" + url.PathEscape(name)
	}
	return header
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
