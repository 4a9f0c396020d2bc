package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type failingProvider struct{ err error }

func (f failingProvider) Name() string { return "failing" }
func (f failingProvider) Lookup(context.Context, string, string) (*Record, error) {
	return nil, f.err
}

type slowProvider struct {
	delay time.Duration
	rec   *Record
}

func (s slowProvider) Name() string { return "slow" }
func (s slowProvider) Lookup(ctx context.Context, _, _ string) (*Record, error) {
	select {
	case <-time.After(s.delay):
		return s.rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TestDefaultCatalogueWeather 验证内置目录能按不规范的键查到天气记录。
func TestDefaultCatalogueWeather(t *testing.T) {
	p := DefaultCatalogue()
	rec, err := p.Lookup(context.Background(), "Weather", "  2023-10-15   Seattle ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Fields["condition"] != "Light rain" {
		t.Fatalf("expected light rain, got %v", rec.Fields["condition"])
	}
	if rec.Source != "weather" || rec.Key != "2023-10-15 seattle" {
		t.Fatalf("unexpected identity %q/%q", rec.Source, rec.Key)
	}
}

func TestDefaultCatalogueEvidenceIDs(t *testing.T) {
	p := DefaultCatalogue()
	cases := []struct{ source, key, evidence string }{
		{"blog", "echo-thompson", "blog"},
		{"social_media", "echo.thompson", "social_media"},
		{"news", "2024-03-03", "news"},
		{"lab", "reaction_time", "reaction_time"},
		{"weather", "2024-03-03 seattle", "weather_stats"},
		{"lab", "reconstruction", "reconstruction"},
	}
	for _, tc := range cases {
		rec, err := p.Lookup(context.Background(), tc.source, tc.key)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.source, tc.key, err)
		}
		if rec.Evidence != tc.evidence {
			t.Fatalf("%s/%s: expected evidence %q, got %q", tc.source, tc.key, tc.evidence, rec.Evidence)
		}
	}
	if got := p.Sources(); len(got) != 5 {
		t.Fatalf("expected 5 sources, got %v", got)
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	p := DefaultCatalogue()
	rec, _ := p.Lookup(context.Background(), "news", "2024-03-03")
	rec.Fields["summary"] = "changed"
	again, _ := p.Lookup(context.Background(), "news", "2024-03-03")
	if again.Fields["summary"] == "changed" {
		t.Fatal("expected catalogue unaffected by caller mutation")
	}
}

func TestLoadCatalogueFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.yaml")
	data := []byte("weather:\n  \"2020-01-01 paris\":\n    title: Paris\n    fields:\n      condition: Snow\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadCatalogue(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, err := p.Lookup(context.Background(), "weather", "2020-01-01 Paris")
	if err != nil || rec.Fields["condition"] != "Snow" {
		t.Fatalf("unexpected record %+v err=%v", rec, err)
	}
	if _, err := LoadCatalogue(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// TestArchiveFanOut 验证聚合查询按注册顺序取命中结果，并忽略其他数据源的故障。
func TestArchiveFanOut(t *testing.T) {
	override := &StaticProvider{name: "override", records: map[string]map[string]Record{}}
	override.Add("news", "2024-03-03", Record{Title: "override"})

	a := New(nil, failingProvider{err: errors.New("boom")}, override, DefaultCatalogue())
	rec, err := a.Lookup(context.Background(), "news", "2024-03-03")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Title != "override" {
		t.Fatalf("expected first registered hit, got %q", rec.Title)
	}

	if _, err := a.Lookup(context.Background(), "news", "1999-01-01"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected provider failure to surface when nothing matched, got %v", err)
	}

	clean := New(nil, DefaultCatalogue())
	if _, err := clean.Lookup(context.Background(), "news", "1999-01-01"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestArchiveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	a := New(nil, slowProvider{delay: time.Second, rec: &Record{Title: "late"}})
	if _, err := a.Lookup(ctx, "weather", "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
