package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kunit/internal/fixed"
	"kunit/internal/storage"
)

var matNullDeck = "*MAT_NULL\n" +
	fixed.JoinFixed([]string{"1", "1000.0", "-1.0e-5", "0.001", "", "", "", ""})

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, Config{Addr: ":0"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, Config{
		Addr:        ":0",
		AuthEnabled: true,
		APIKeys:     []string{"test-key-123", "another-key"},
	})
	router := s.Router()

	tests := []struct {
		name       string
		apiKey     string
		keyHeader  string
		wantStatus int
	}{
		{name: "no key", wantStatus: http.StatusUnauthorized},
		{name: "invalid key", apiKey: "wrong-key", keyHeader: "X-API-Key", wantStatus: http.StatusForbidden},
		{name: "valid key via X-API-Key", apiKey: "test-key-123", keyHeader: "X-API-Key", wantStatus: http.StatusOK},
		{name: "valid key via Bearer", apiKey: "another-key", keyHeader: "Authorization", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/units", nil)
			if tt.apiKey != "" {
				if tt.keyHeader == "Authorization" {
					req.Header.Set("Authorization", "Bearer "+tt.apiKey)
				} else {
					req.Header.Set(tt.keyHeader, tt.apiKey)
				}
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestUnitsAndModelsEndpoints(t *testing.T) {
	s := newTestServer(t, Config{Addr: ":0"})
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/units", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("units status = %d", rec.Code)
	}
	var units []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&units); err != nil {
		t.Fatalf("decode units: %v", err)
	}
	if len(units) < 4 {
		t.Errorf("got %d unit systems, want at least 4", len(units))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("models status = %d", rec.Code)
	}
	var models []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&models); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(models) != 7 {
		t.Errorf("got %d models, want 7", len(models))
	}
}

func TestConvertAPI(t *testing.T) {
	s := newTestServer(t, Config{Addr: ":0"})
	router := s.Router()

	body, _ := json.Marshal(ConvertRequest{
		Text:     matNullDeck,
		SrcUnits: "m-kg-s",
		DstUnits: "m-kg-s",
		Models:   "mat-null",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp ConvertResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.Output, "*MAT_NULL") {
		t.Errorf("output lost keyword line: %q", resp.Output)
	}
}

func TestConvertAPIValidationErrors(t *testing.T) {
	s := newTestServer(t, Config{Addr: ":0"})
	router := s.Router()

	tests := []struct {
		name string
		req  ConvertRequest
		want string
	}{
		{
			name: "unknown units",
			req:  ConvertRequest{Text: matNullDeck, SrcUnits: "nope", DstUnits: "m-kg-s"},
			want: "unknown unit system",
		},
		{
			name: "unknown model",
			req:  ConvertRequest{Text: matNullDeck, SrcUnits: "m-kg-s", DstUnits: "m-kg-s", Models: "mat-unobtanium"},
			want: "unknown model",
		},
		{
			name: "malformed transforms",
			req: ConvertRequest{Text: matNullDeck, SrcUnits: "m-kg-s", DstUnits: "m-kg-s",
				Transforms: `{"mat-null": {"ro": {"dim": [1, 2]}}}`},
			want: "malformed custom transform",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.req)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/convert", bytes.NewReader(body)))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
			var resp map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !strings.Contains(resp["error"], tt.want) {
				t.Errorf("error = %q, want mention of %q", resp["error"], tt.want)
			}
		})
	}
}

func TestHistoryEndpoint(t *testing.T) {
	history, err := storage.OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	t.Cleanup(func() { _ = history.Close() })

	s, err := NewServer(Config{Addr: ":0"}, history, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	router := s.Router()

	// Convert once so the log has an entry.
	body, _ := json.Marshal(ConvertRequest{Text: matNullDeck, SrcUnits: "cm-g-us", DstUnits: "m-kg-s"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/convert", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("convert status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history?src=cm-g-us", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var conversions []storage.Conversion
	if err := json.NewDecoder(rec.Body).Decode(&conversions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(conversions) != 1 {
		t.Fatalf("got %d history rows, want 1", len(conversions))
	}
	if conversions[0].Source != "api" {
		t.Errorf("Source = %q, want api", conversions[0].Source)
	}
}

func TestHistoryEndpointUnconfigured(t *testing.T) {
	s := newTestServer(t, Config{Addr: ":0"})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func writeMaterialsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
[[materials]]
id = "water"
name = "Water"
model = "mat-null"
units = "m-kg-s"
tags = "fluid, baseline"
text = ` + tomlQuote(matNullDeck) + `
`
	if err := os.WriteFile(filepath.Join(dir, "library.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// tomlQuote renders s as a TOML basic string. Go's %q escaping is a
// compatible subset for the payloads used here.
func tomlQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\n':
			b.WriteString(`\n`)
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func TestMaterialsEndpoints(t *testing.T) {
	dir := writeMaterialsDir(t)
	s := newTestServer(t, Config{Addr: ":0", MaterialsDir: dir})
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/materials", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body %s", rec.Code, rec.Body.String())
	}
	var records []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0]["id"] != "water" {
		t.Fatalf("records = %v, want one record with id water", records)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/materials/water", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/materials/granite", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}

	body, _ := json.Marshal(MaterialsExportRequest{Dst: "mm-mg-us"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/materials/export", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp["output"], "*MAT_NULL") {
		t.Errorf("export output lost keyword line: %q", resp["output"])
	}
}

func TestMaterialsEndpointsUnconfigured(t *testing.T) {
	s := newTestServer(t, Config{Addr: ":0"})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/materials", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestIndexPage(t *testing.T) {
	s := newTestServer(t, Config{Addr: ":0"})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	page := rec.Body.String()
	for _, want := range []string{"m-kg-s", "mat-null", "form"} {
		if !strings.Contains(page, want) {
			t.Errorf("index page missing %q", want)
		}
	}
}

func TestConvertFormPreviewAndDownload(t *testing.T) {
	s := newTestServer(t, Config{Addr: ":0"})
	router := s.Router()

	form := url.Values{
		"src":    {"m-kg-s"},
		"dst":    {"mm-mg-us"},
		"models": {"mat-null"},
		"text":   {matNullDeck},
	}
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("preview status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "line(s) changed") {
		t.Errorf("preview page missing changed-line summary")
	}

	req = httptest.NewRequest(http.MethodPost, "/download", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("Content-Disposition = %q, want attachment", cd)
	}
	if !strings.HasPrefix(rec.Body.String(), "*MAT_NULL") {
		t.Errorf("download body lost keyword line")
	}
}

func TestConvertFormNoInput(t *testing.T) {
	s := newTestServer(t, Config{Addr: ":0"})

	form := url.Values{"src": {"m-kg-s"}, "dst": {"m-kg-s"}}
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
