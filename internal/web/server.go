// Package web serves the browser UI and the JSON REST API of the
// converter: a convert form with preview and download, a materials
// browser, and /api/v1 endpoints for scripted access.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"kunit/internal/convert"
	"kunit/internal/engine"
	"kunit/internal/materials"
	"kunit/internal/storage"
	"kunit/internal/units"
)

//go:embed templates/*.html
var templateFiles embed.FS

// previewLines caps the before/after snippets rendered on the preview
// page. Full output is only available through download.
const previewLines = 60

// maxUploadBytes bounds uploaded .k files and posted form payloads.
const maxUploadBytes = 16 << 20

// Config holds web server settings.
type Config struct {
	Addr         string
	AuthEnabled  bool
	APIKeys      []string // valid keys when auth is enabled
	MaterialsDir string   // empty disables the materials pages
}

// Server serves the UI and the REST API.
type Server struct {
	cfg     Config
	history *storage.History      // optional conversion log
	audit   *storage.ClickHouseDB // optional audit sink
	store   *materials.Store      // nil without a materials dir
	apiKeys map[string]bool
	metrics *Metrics
	tmpl    *template.Template
}

// NewServer creates a web server. History and audit are optional; nil
// disables the respective recording.
func NewServer(cfg Config, history *storage.History, audit *storage.ClickHouseDB) (*Server, error) {
	tmpl, err := template.ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	metrics, err := NewMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}

	var store *materials.Store
	if cfg.MaterialsDir != "" {
		store = materials.NewStore(cfg.MaterialsDir)
	}

	return &Server{
		cfg:     cfg,
		history: history,
		audit:   audit,
		store:   store,
		apiKeys: keys,
		metrics: metrics,
		tmpl:    tmpl,
	}, nil
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	log.Printf("web UI starting at http://localhost%s", s.cfg.Addr)
	if s.cfg.AuthEnabled {
		log.Printf("API authentication: ENABLED (API key required)")
	} else {
		log.Printf("API authentication: DISABLED (open access)")
	}
	return http.ListenAndServe(s.cfg.Addr, s.Router())
}

// Router returns the configured chi router, exposed separately for
// tests and embedding.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)
	r.Use(s.inFlightMiddleware)

	// Browser UI.
	r.Get("/", s.handleIndex)
	r.Post("/convert", s.handleConvertForm)
	r.Post("/download", s.handleDownload)
	r.Get("/materials", s.handleMaterialsPage)
	r.Post("/materials/export", s.handleMaterialsDownload)

	// JSON API.
	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.AuthEnabled {
			r.Use(s.authMiddleware)
		}
		r.Get("/units", s.handleUnits)
		r.Get("/models", s.handleModels)
		r.Post("/convert", s.handleConvertAPI)
		r.Get("/materials", s.handleMaterialsAPI)
		r.Get("/materials/{id}", s.handleMaterialAPI)
		r.Post("/materials/export", s.handleMaterialsExportAPI)
		r.Get("/history", s.handleHistoryAPI)
	})

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) inFlightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.InFlight.Inc()
		defer s.metrics.InFlight.Dec()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")

		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// conversionJob carries one conversion request through the pipeline
// shared by the form, download and API handlers.
type conversionJob struct {
	Text       string
	SrcUnits   string
	DstUnits   string
	Models     string
	Transforms string
	InputName  string
	OutputName string
	Source     string // "web" or "api", for history/audit
}

type conversionResult struct {
	Output  string
	Changed int
	Elapsed time.Duration
}

func (s *Server) runConversion(job conversionJob) (conversionResult, error) {
	start := time.Now()

	output, err := convertJob(job)
	if err != nil {
		s.metrics.ConversionErrors.Inc()
		s.record(job, conversionResult{Elapsed: time.Since(start)}, err.Error())
		return conversionResult{}, err
	}

	result := conversionResult{
		Output:  output,
		Changed: convert.ChangedLines(job.Text, output),
		Elapsed: time.Since(start),
	}
	s.record(job, result, "")
	s.metrics.Conversions.WithLabelValues(job.SrcUnits, job.DstUnits).Inc()
	s.metrics.ConversionDuration.Observe(result.Elapsed.Seconds())
	return result, nil
}

func convertJob(job conversionJob) (string, error) {
	custom, err := convert.ParseTransforms(job.Transforms)
	if err != nil {
		return "", err
	}
	return convert.ConvertText(job.Text, job.SrcUnits, job.DstUnits, job.Models, custom)
}

// record writes the run to the history database and the audit log,
// whichever is configured. Recording failures are logged, never
// surfaced to the client.
func (s *Server) record(job conversionJob, result conversionResult, errText string) {
	models := splitModels(job.Models)
	now := time.Now().UTC()

	if s.history != nil {
		_, err := s.history.Insert(storage.InsertParams{
			Timestamp:   now.Format(time.RFC3339),
			Source:      job.Source,
			SrcUnits:    job.SrcUnits,
			DstUnits:    job.DstUnits,
			Models:      models,
			InputName:   job.InputName,
			InputHead:   headOf(job.Text),
			InputBytes:  len(job.Text),
			OutputBytes: len(result.Output),
			Changed:     result.Changed,
			Duration:    result.Elapsed,
			Err:         errText,
		})
		if err != nil {
			log.Printf("history insert: %v", err)
		}
	}

	if s.audit != nil {
		err := s.audit.Insert(context.Background(), storage.Event{
			ID:           uuid.New(),
			Timestamp:    now,
			Source:       job.Source,
			SrcUnits:     job.SrcUnits,
			DstUnits:     job.DstUnits,
			Models:       models,
			InputName:    job.InputName,
			InputBytes:   uint64(len(job.Text)),
			OutputBytes:  uint64(len(result.Output)),
			ChangedLines: uint32(result.Changed),
			DurationMS:   float64(result.Elapsed.Microseconds()) / 1000,
			Succeeded:    errText == "",
			Error:        errText,
		})
		if err != nil {
			log.Printf("audit insert: %v", err)
		}
	}
}

// headOf returns the first few lines of text for history search.
func headOf(text string) string {
	lines := strings.SplitN(text, "\n", 4)
	if len(lines) > 3 {
		lines = lines[:3]
	}
	head := strings.Join(lines, "\n")
	if len(head) > 300 {
		head = head[:300]
	}
	return head
}

// --- browser UI handlers ---

type indexData struct {
	Units  []units.Descriptor
	Models []convert.ModelInfo
	Error  string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, "index.html", indexData{
		Units:  convert.Units(),
		Models: convert.Models(),
	})
}

type previewData struct {
	SrcUnits   string
	DstUnits   string
	Models     string
	Transforms string
	Changed    int
	Truncated  bool
	Before     string
	After      string
	Text       string // full input, carried in the download form
	OutputName string
}

func (s *Server) handleConvertForm(w http.ResponseWriter, r *http.Request) {
	job, err := s.formJob(r)
	if err != nil {
		s.renderIndexError(w, err)
		return
	}

	result, err := s.runConversion(job)
	if err != nil {
		s.renderIndexError(w, err)
		return
	}

	before, truncBefore := snippet(job.Text)
	after, truncAfter := snippet(result.Output)
	s.render(w, "preview.html", previewData{
		SrcUnits:   job.SrcUnits,
		DstUnits:   job.DstUnits,
		Models:     job.Models,
		Transforms: job.Transforms,
		Changed:    result.Changed,
		Truncated:  truncBefore || truncAfter,
		Before:     before,
		After:      after,
		Text:       job.Text,
		OutputName: job.OutputName,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.formJob(r)
	if err != nil {
		s.renderIndexError(w, err)
		return
	}

	// The preview never stores uploads server side; the download form
	// posts the payload again and the conversion reruns here.
	result, err := s.runConversion(job)
	if err != nil {
		s.renderIndexError(w, err)
		return
	}

	name := job.OutputName
	if name == "" {
		name = "converted." + job.DstUnits + ".k"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	_, _ = io.WriteString(w, result.Output)
}

// formJob extracts a conversion job from a UI form post. A non-empty
// file upload takes precedence over the textarea payload.
func (s *Server) formJob(r *http.Request) (conversionJob, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	contentType := r.Header.Get("Content-Type")
	isMultipart := strings.HasPrefix(contentType, "multipart/form-data")
	if isMultipart {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return conversionJob{}, fmt.Errorf("parse form: %w", err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return conversionJob{}, fmt.Errorf("parse form: %w", err)
		}
	}

	job := conversionJob{
		Text:       r.FormValue("text"),
		SrcUnits:   r.FormValue("src"),
		DstUnits:   r.FormValue("dst"),
		Models:     strings.Join(r.Form["models"], ","),
		Transforms: r.FormValue("transforms"),
		OutputName: strings.TrimSpace(r.FormValue("output")),
		Source:     "web",
	}

	if isMultipart {
		if file, header, err := r.FormFile("file"); err == nil {
			defer func() { _ = file.Close() }()
			data, err := io.ReadAll(file)
			if err != nil {
				return conversionJob{}, fmt.Errorf("read upload: %w", err)
			}
			if len(data) > 0 {
				job.Text = string(data)
				job.InputName = header.Filename
			}
		}
	}

	if strings.TrimSpace(job.Text) == "" {
		return conversionJob{}, errors.New("no input: paste keyword text or choose a file")
	}
	return job, nil
}

func (s *Server) renderIndexError(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusBadRequest)
	s.render(w, "index.html", indexData{
		Units:  convert.Units(),
		Models: convert.Models(),
		Error:  err.Error(),
	})
}

// snippet returns up to previewLines lines of text and whether it was
// cut short.
func snippet(text string) (string, bool) {
	lines := strings.SplitAfter(text, "\n")
	if len(lines) <= previewLines {
		return text, false
	}
	return strings.Join(lines[:previewLines], ""), true
}

type materialsPageData struct {
	Records []materials.Record
	Units   []units.Descriptor
	Enabled bool
	Error   string
}

func (s *Server) handleMaterialsPage(w http.ResponseWriter, r *http.Request) {
	data := materialsPageData{Units: convert.Units(), Enabled: s.store != nil}
	if s.store != nil {
		records, err := s.store.List()
		if err != nil {
			data.Error = err.Error()
		} else {
			data.Records = records
		}
	}
	s.render(w, "materials.html", data)
}

func (s *Server) handleMaterialsDownload(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "materials library not configured", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "parse form: "+err.Error(), http.StatusBadRequest)
		return
	}

	output, err := s.exportMaterials(r.Form["ids"], r.FormValue("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := "materials.k"
	if dst := r.FormValue("dst"); dst != "" {
		name = "materials." + dst + ".k"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	_, _ = io.WriteString(w, output)
}

// exportMaterials emits the selected records (all when ids is empty) as
// one deck, converting to dst units when dst is non-empty.
func (s *Server) exportMaterials(ids []string, dst string) (string, error) {
	records, err := s.store.List()
	if err != nil {
		return "", err
	}
	records = filterRecords(records, ids)
	if len(records) == 0 {
		return "", errors.New("no matching materials")
	}
	if dst == "" {
		return materials.Export(records), nil
	}
	return materials.Convert(records, dst)
}

func filterRecords(records []materials.Record, ids []string) []materials.Record {
	if len(ids) == 0 {
		return records
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			want[id] = true
		}
	}
	if len(want) == 0 {
		return records
	}
	var out []materials.Record
	for _, rec := range records {
		if want[rec.ID] {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	var buf strings.Builder
	if err := s.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		log.Printf("render %s: %v", name, err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, buf.String())
}

// --- JSON API handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, convert.Units())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, convert.Models())
}

// ConvertRequest is the body of POST /api/v1/convert.
type ConvertRequest struct {
	Text       string `json:"text"`
	SrcUnits   string `json:"src"`
	DstUnits   string `json:"dst"`
	Models     string `json:"models,omitempty"`
	Transforms string `json:"transforms,omitempty"`
	InputName  string `json:"input_name,omitempty"`
}

// ConvertResponse is the success body of POST /api/v1/convert.
type ConvertResponse struct {
	Output  string `json:"output"`
	Changed int    `json:"changed"`
}

func (s *Server) handleConvertAPI(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	result, err := s.runConversion(conversionJob{
		Text:       req.Text,
		SrcUnits:   req.SrcUnits,
		DstUnits:   req.DstUnits,
		Models:     req.Models,
		Transforms: req.Transforms,
		InputName:  req.InputName,
		Source:     "api",
	})
	if err != nil {
		status := http.StatusBadRequest
		if !isValidationError(err) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ConvertResponse{Output: result.Output, Changed: result.Changed})
}

// isValidationError reports whether err belongs to the caller-facing
// validation taxonomy rather than an internal failure.
func isValidationError(err error) bool {
	return errors.Is(err, units.ErrUnknownUnitSystem) ||
		errors.Is(err, engine.ErrUnknownModel) ||
		errors.Is(err, engine.ErrUnknownScaleDimField) ||
		errors.Is(err, convert.ErrMalformedTransform)
}

func (s *Server) handleMaterialsAPI(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "materials library not configured")
		return
	}
	records, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleMaterialAPI(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "materials library not configured")
		return
	}
	id := chi.URLParam(r, "id")
	records, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, rec := range records {
		if rec.ID == id {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown material "+strconv.Quote(id))
}

// MaterialsExportRequest is the body of POST /api/v1/materials/export.
// Empty IDs selects the whole library; empty Dst exports records in
// their stored units.
type MaterialsExportRequest struct {
	IDs []string `json:"ids,omitempty"`
	Dst string   `json:"dst,omitempty"`
}

func (s *Server) handleMaterialsExportAPI(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "materials library not configured")
		return
	}
	var req MaterialsExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	output, err := s.exportMaterials(req.IDs, req.Dst)
	if err != nil {
		status := http.StatusBadRequest
		if !isValidationError(err) && !strings.Contains(err.Error(), "no matching") {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": output})
}

func (s *Server) handleHistoryAPI(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history not configured")
		return
	}

	q := r.URL.Query()
	params := storage.QueryParams{
		Source:     q.Get("source"),
		SrcUnits:   q.Get("src"),
		DstUnits:   q.Get("dst"),
		Model:      q.Get("model"),
		OnlyFailed: q.Get("failed") == "true",
		FullText:   q.Get("search"),
		OrderBy:    q.Get("order"),
		OrderDesc:  q.Get("desc") != "false",
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		params.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		params.Offset = offset
	}

	conversions, err := s.history.Query(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conversions)
}

// --- helpers ---

func splitModels(models string) []string {
	var out []string
	for _, m := range strings.Split(models, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
