package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SlideResult is the outcome of one slide.
type SlideResult struct {
	SlideID            string        `yaml:"slideId"`
	Label              string        `yaml:"label,omitempty"`
	Written            int           `yaml:"written"`
	RejectedBackground int           `yaml:"rejectedBackground"`
	RejectedSize       int           `yaml:"rejectedSize"`
	Duration           time.Duration `yaml:"duration"`
	Error              string        `yaml:"error,omitempty"`
}

// Report summarizes a tiling run. Results may be added concurrently.
type Report struct {
	RunID      string        `yaml:"runId"`
	StartedAt  time.Time     `yaml:"startedAt"`
	FinishedAt time.Time     `yaml:"finishedAt"`
	Skipped    int           `yaml:"skipped"`
	Slides     []SlideResult `yaml:"slides"`

	mu sync.Mutex
}

// NewReport starts a report with a fresh run id.
func NewReport() *Report {
	return &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
}

// Add records the result of one slide.
func (r *Report) Add(res SlideResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Slides = append(r.Slides, res)
}

// Finish stamps the end time, records how many slides were never taken from
// the queue and sorts the results by slide id.
func (r *Report) Finish(skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.FinishedAt = time.Now().UTC()
	r.Skipped = skipped
	sort.Slice(r.Slides, func(i, j int) bool {
		return r.Slides[i].SlideID < r.Slides[j].SlideID
	})
}

// Failed returns the number of slides that ended with an error.
func (r *Report) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.Slides {
		if s.Error != "" {
			n++
		}
	}
	return n
}

// Written returns the number of tiles written over all slides.
func (r *Report) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.Slides {
		n += s.Written
	}
	return n
}

// Save writes the report to <saveDir>/reports/run-<id>.yaml and returns the
// file path.
func (r *Report) Save(saveDir string) (string, error) {
	dir := filepath.Join(saveDir, "reports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating report directory: %w", err)
	}

	r.mu.Lock()
	data, err := yaml.Marshal(r)
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("error marshaling report: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("run-%s.yaml", r.RunID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("error writing report: %w", err)
	}
	return path, nil
}

// loadReport reads a saved report.
func loadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading report: %w", err)
	}

	r := &Report{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("error parsing report: %w", err)
	}
	return r, nil
}
