package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/i474232898/macro-dashboard/internal/indicators"
)

//go:embed series.yaml
var defaultRegistry []byte

// registryFile is the on-disk shape of a series registry.
type registryFile struct {
	Series     []indicators.SeriesMetadata `yaml:"series"`
	Dashboards []indicators.Dashboard      `yaml:"dashboards"`
}

// Registry holds the statically configured series and dashboards.
type Registry struct {
	series     []indicators.SeriesMetadata
	byID       map[string]indicators.SeriesMetadata
	dashboards map[string]indicators.Dashboard
	slugs      []string
}

// Default returns the registry embedded in the binary.
func Default() (*Registry, error) {
	return Parse(defaultRegistry)
}

// Load reads a registry from a YAML file. An empty path loads the default.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading series file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a registry document.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing series YAML: %w", err)
	}

	r := &Registry{
		byID:       make(map[string]indicators.SeriesMetadata, len(file.Series)),
		dashboards: make(map[string]indicators.Dashboard, len(file.Dashboards)),
	}

	for i, s := range file.Series {
		if s.ID == "" {
			return nil, fmt.Errorf("series #%d: id is required", i+1)
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("series %s: duplicate id", s.ID)
		}
		if !s.Source.Valid() {
			src, err := indicators.ParseSource(string(s.Source))
			if err != nil {
				return nil, fmt.Errorf("series %s: %w", s.ID, err)
			}
			s.Source = src
		}
		if s.Name == "" || s.Category == "" {
			return nil, fmt.Errorf("series %s: name and category are required", s.ID)
		}
		s.Frequency = s.FrequencyLabel()
		s.Active = true

		r.byID[s.ID] = s
		r.series = append(r.series, s)
	}
	sort.Slice(r.series, func(i, j int) bool { return r.series[i].ID < r.series[j].ID })

	for _, d := range file.Dashboards {
		if d.Slug == "" {
			return nil, fmt.Errorf("dashboard %q: slug is required", d.Name)
		}
		if _, dup := r.dashboards[d.Slug]; dup {
			return nil, fmt.Errorf("dashboard %s: duplicate slug", d.Slug)
		}
		if d.Name == "" {
			d.Name = d.Slug
		}
		r.dashboards[d.Slug] = d
		r.slugs = append(r.slugs, d.Slug)
	}
	sort.Strings(r.slugs)

	return r, nil
}

// Definitions returns every configured series in id order.
func (r *Registry) Definitions() []indicators.SeriesMetadata {
	out := make([]indicators.SeriesMetadata, len(r.series))
	copy(out, r.series)
	return out
}

// ForSource returns the series served by one source in id order.
func (r *Registry) ForSource(source indicators.Source) []indicators.SeriesMetadata {
	var out []indicators.SeriesMetadata
	for _, s := range r.series {
		if s.Source == source {
			out = append(out, s)
		}
	}
	return out
}

// Series looks up one definition.
func (r *Registry) Series(id string) (indicators.SeriesMetadata, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Dashboard implements indicators.DashboardSource.
func (r *Registry) Dashboard(slug string) (indicators.Dashboard, bool) {
	d, ok := r.dashboards[slug]
	return d, ok
}

// Dashboards returns all dashboards ordered by slug.
func (r *Registry) Dashboards() []indicators.Dashboard {
	out := make([]indicators.Dashboard, 0, len(r.slugs))
	for _, slug := range r.slugs {
		out = append(out, r.dashboards[slug])
	}
	return out
}
