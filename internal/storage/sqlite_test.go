package storage

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()

	path := filepath.Join(t.TempDir(), "history.db")
	h, err := OpenHistory(path)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func insertSample(t *testing.T, h *History, source, src, dst string, models []string, errText string) int64 {
	t.Helper()

	id, err := h.Insert(InsertParams{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Source:      source,
		SrcUnits:    src,
		DstUnits:    dst,
		Models:      models,
		InputName:   "shell.k",
		InputHead:   "*MAT_HIGH_EXPLOSIVE_BURN comp-b charge",
		InputBytes:  240,
		OutputBytes: 240,
		Changed:     3,
		Duration:    12 * time.Millisecond,
		Err:         errText,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return id
}

func TestHistoryInsertAndQuery(t *testing.T) {
	h := openTestHistory(t)

	insertSample(t, h, "cli", "mm-mg-us", "m-kg-s", []string{"mat-he-burn", "eos-jwl"}, "")
	insertSample(t, h, "web", "cm-g-us", "m-kg-s", []string{"eos-jwlb"}, "")
	insertSample(t, h, "worker", "mm-mg-us", "cm-g-us", []string{"mat-null"}, "unknown unit system \"bogus\"")

	all, err := h.Query(QueryParams{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 conversions, got %d", len(all))
	}

	bySource, err := h.Query(QueryParams{Source: "web"})
	if err != nil {
		t.Fatalf("Query by source: %v", err)
	}
	if len(bySource) != 1 || bySource[0].SrcUnits != "cm-g-us" {
		t.Errorf("source filter returned %+v", bySource)
	}

	byPair, err := h.Query(QueryParams{SrcUnits: "mm-mg-us", DstUnits: "m-kg-s"})
	if err != nil {
		t.Fatalf("Query by pair: %v", err)
	}
	if len(byPair) != 1 || byPair[0].Source != "cli" {
		t.Errorf("pair filter returned %+v", byPair)
	}

	byModel, err := h.Query(QueryParams{Model: "eos-jwl"})
	if err != nil {
		t.Fatalf("Query by model: %v", err)
	}
	// LIKE match: "eos-jwl" also matches "eos-jwlb".
	if len(byModel) != 2 {
		t.Errorf("expected 2 rows matching eos-jwl, got %d", len(byModel))
	}

	failed, err := h.Query(QueryParams{OnlyFailed: true})
	if err != nil {
		t.Fatalf("Query failed runs: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed run, got %d", len(failed))
	}
	if failed[0].Succeeded {
		t.Error("failed run reported as succeeded")
	}
	if !strings.Contains(failed[0].Error, "bogus") {
		t.Errorf("failed run error = %q", failed[0].Error)
	}

	limited, err := h.Query(QueryParams{Limit: 2})
	if err != nil {
		t.Fatalf("Query with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 rows with limit, got %d", len(limited))
	}
}

func TestHistoryFullTextSearch(t *testing.T) {
	h := openTestHistory(t)

	_, err := h.Insert(InsertParams{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    "cli",
		SrcUnits:  "mm-mg-us",
		DstUnits:  "m-kg-s",
		InputHead: "*EOS_JWL booster pellet",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	insertSample(t, h, "web", "cm-g-us", "m-kg-s", []string{"mat-he-burn"}, "")

	hits, err := h.Query(QueryParams{FullText: "booster"})
	if err != nil {
		t.Fatalf("FTS query: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 FTS hit, got %d", len(hits))
	}
	if hits[0].Source != "cli" {
		t.Errorf("FTS hit source = %q", hits[0].Source)
	}

	// FTS combined with a regular filter.
	none, err := h.Query(QueryParams{FullText: "booster", Source: "web"})
	if err != nil {
		t.Fatalf("FTS query with filter: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no hits, got %d", len(none))
	}
}

func TestHistoryGetByID(t *testing.T) {
	h := openTestHistory(t)

	id := insertSample(t, h, "cli", "mm-mg-us", "m-kg-s", []string{"mat-null"}, "")

	c, err := h.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if c == nil {
		t.Fatal("expected conversion, got nil")
	}
	if c.Models != "mat-null" {
		t.Errorf("Models = %q", c.Models)
	}
	if c.Duration != 12*time.Millisecond {
		t.Errorf("Duration = %v", c.Duration)
	}
	if !c.Succeeded {
		t.Error("expected succeeded run")
	}

	missing, err := h.GetByID(99999)
	if err != nil {
		t.Fatalf("GetByID missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown id, got %+v", missing)
	}
}

func TestHistoryStats(t *testing.T) {
	h := openTestHistory(t)

	insertSample(t, h, "cli", "mm-mg-us", "m-kg-s", []string{"mat-he-burn", "eos-jwl"}, "")
	insertSample(t, h, "cli", "mm-mg-us", "m-kg-s", []string{"eos-jwl"}, "")
	insertSample(t, h, "web", "cm-g-us", "m-kg-s", nil, "boom")

	stats, err := h.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalConversions != 3 {
		t.Errorf("TotalConversions = %d", stats.TotalConversions)
	}
	if stats.BySource["cli"] != 2 || stats.BySource["web"] != 1 {
		t.Errorf("BySource = %v", stats.BySource)
	}
	if stats.ByPair["mm-mg-us -> m-kg-s"] != 2 {
		t.Errorf("ByPair = %v", stats.ByPair)
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d", stats.Failed)
	}
	if stats.TopModels["eos-jwl"] != 2 || stats.TopModels["mat-he-burn"] != 1 {
		t.Errorf("TopModels = %v", stats.TopModels)
	}
}

func TestHistoryDistinct(t *testing.T) {
	h := openTestHistory(t)

	insertSample(t, h, "cli", "mm-mg-us", "m-kg-s", nil, "")
	insertSample(t, h, "web", "cm-g-us", "m-kg-s", nil, "")
	insertSample(t, h, "web", "cm-g-us", "mm-mg-us", nil, "")

	sources, err := h.Distinct("source")
	if err != nil {
		t.Fatalf("Distinct: %v", err)
	}
	if len(sources) != 2 || sources[0] != "cli" || sources[1] != "web" {
		t.Errorf("Distinct(source) = %v", sources)
	}

	if _, err := h.Distinct("models; DROP TABLE conversions"); err == nil {
		t.Error("expected error for invalid column")
	}
}

func TestHistoryReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	h, err := OpenHistory(path)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	id := insertSample(t, h, "cli", "mm-mg-us", "m-kg-s", []string{"mat-null"}, "")
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening runs schema creation and migrations again.
	h2, err := OpenHistory(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = h2.Close() }()

	c, err := h2.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID after reopen: %v", err)
	}
	if c == nil || c.SrcUnits != "mm-mg-us" {
		t.Errorf("row lost across reopen: %+v", c)
	}
}
