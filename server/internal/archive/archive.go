// Package archive 提供按 (source, key) 查询的外部资料，
// 如历史天气与网页存档。证据类工具通过它读取记录。
package archive

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("archive record not found")

// Record 一条存档记录。Evidence 非空时表示读取它即观察到该证据。
type Record struct {
	Source   string         `yaml:"-" json:"source"`
	Key      string         `yaml:"-" json:"key"`
	Title    string         `yaml:"title" json:"title"`
	Evidence string         `yaml:"evidence" json:"evidence,omitempty"`
	Fields   map[string]any `yaml:"fields" json:"fields,omitempty"`
}

// Provider 是一个按键查询的数据源。
type Provider interface {
	Name() string
	Lookup(ctx context.Context, source, key string) (*Record, error)
}

// NormalizeKey 统一大小写与空白。
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

//go:embed catalogue.yaml
var defaultCatalogue []byte

// StaticProvider 从 YAML 目录加载的静态数据源。
type StaticProvider struct {
	name    string
	mu      sync.RWMutex
	records map[string]map[string]Record
}

// DefaultCatalogue 返回内置目录。
func DefaultCatalogue() *StaticProvider {
	p, err := ParseCatalogue("static", defaultCatalogue)
	if err != nil {
		panic(fmt.Sprintf("builtin archive catalogue: %v", err))
	}
	return p
}

// LoadCatalogue 从文件加载目录。
func LoadCatalogue(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive catalogue: %w", err)
	}
	return ParseCatalogue(path, data)
}

// ParseCatalogue 解析 source → key → record 结构的 YAML。
func ParseCatalogue(name string, data []byte) (*StaticProvider, error) {
	var raw map[string]map[string]Record
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse archive catalogue: %w", err)
	}
	p := &StaticProvider{name: name, records: make(map[string]map[string]Record, len(raw))}
	for source, entries := range raw {
		for key, rec := range entries {
			p.put(source, key, rec)
		}
	}
	return p, nil
}

func (p *StaticProvider) put(source, key string, rec Record) {
	source, key = NormalizeKey(source), NormalizeKey(key)
	rec.Source, rec.Key = source, key
	if p.records[source] == nil {
		p.records[source] = make(map[string]Record)
	}
	p.records[source][key] = rec
}

// Add 添加或替换一条记录。
func (p *StaticProvider) Add(source, key string, rec Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.put(source, key, rec)
}

func (p *StaticProvider) Name() string { return p.name }

// Sources 返回全部来源名，已排序。
func (p *StaticProvider) Sources() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.records))
}

// Keys 返回某个来源下的全部键，已排序。
func (p *StaticProvider) Keys(source string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.records[NormalizeKey(source)]))
}

func (p *StaticProvider) Lookup(ctx context.Context, source, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[NormalizeKey(source)][NormalizeKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Fields = maps.Clone(rec.Fields)
	return &rec, nil
}

// Archive 聚合多个数据源，查询时并发访问，按注册顺序取第一个命中。
type Archive struct {
	providers []Provider
	logger    *slog.Logger
}

// New 创建聚合存档。
func New(logger *slog.Logger, providers ...Provider) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{providers: providers, logger: logger.With("component", "archive")}
}

// Lookup 并发查询全部数据源。
// 所有数据源都未命中时返回 ErrNotFound；数据源故障只在没有任何命中时返回。
func (a *Archive) Lookup(ctx context.Context, source, key string) (*Record, error) {
	if len(a.providers) == 0 {
		return nil, ErrNotFound
	}
	results := make([]*Record, len(a.providers))
	errs := make([]error, len(a.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range a.providers {
		g.Go(func() error {
			rec, err := p.Lookup(gctx, source, key)
			if err != nil && !errors.Is(err, ErrNotFound) {
				a.logger.Warn("archive provider failed", "provider", p.Name(), "source", source, "key", key, "error", err)
				errs[i] = fmt.Errorf("%s: %w", p.Name(), err)
				return nil
			}
			results[i] = rec
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, rec := range results {
		if rec != nil {
			return rec, nil
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}
