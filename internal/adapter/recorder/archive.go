// Package recorder archives job results to the filesystem, one JSON file per
// job under a daily directory, with a per-day summary rolled up after every
// write. Writes are temp-file-and-rename so readers never observe a partial
// file.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/pantrypirate/pipeline/internal/adapter/observability"
	"github.com/pantrypirate/pipeline/internal/domain"
)

const (
	dailyDir    = "daily"
	latestLink  = "latest"
	summaryFile = "summary.json"
)

// Archive implements domain.Archiver over a root directory.
type Archive struct {
	root string

	mu sync.Mutex // serializes summary read-modify-write
}

// New creates the archive root if needed.
func New(root string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Join(root, dailyDir), 0o755); err != nil {
		return nil, fmt.Errorf("op=recorder.new: %w", err)
	}
	return &Archive{root: root}, nil
}

// Summary is the per-day rollup, keyed by scraper and outcome.
type Summary struct {
	Date     string                    `json:"date"`
	Total    int                       `json:"total"`
	Scrapers map[string]map[string]int `json:"scrapers"`
	Updated  time.Time                 `json:"updated"`
}

// Write persists one job result under the day derived from its ProducedAt
// timestamp, then refreshes that day's summary and the latest symlink.
// Writing the same job id twice overwrites in place, so redelivery is
// harmless.
func (a *Archive) Write(ctx context.Context, res domain.JobResult) error {
	_, span := otel.Tracer("recorder").Start(ctx, "recorder.Write")
	defer span.End()

	day := res.ProducedAt.UTC()
	if day.IsZero() {
		day = time.Now().UTC()
	}
	dir := filepath.Join(a.root, dailyDir, day.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		observability.ArchiveWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=recorder.write: %w", err)
	}

	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		observability.ArchiveWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=recorder.write: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, res.JobID+".json"), raw); err != nil {
		observability.ArchiveWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=recorder.write: %w", err)
	}

	if err := a.bumpSummary(dir, day, res); err != nil {
		return err
	}
	if err := a.refreshLatest(day); err != nil {
		return err
	}
	observability.ArchiveWritesTotal.WithLabelValues("ok").Inc()
	return nil
}

// ReadSummary loads a day's summary.
func (a *Archive) ReadSummary(day time.Time) (Summary, error) {
	raw, err := os.ReadFile(filepath.Join(a.root, dailyDir, day.UTC().Format("2006-01-02"), summaryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, fmt.Errorf("op=recorder.summary: %w", domain.ErrNotFound)
		}
		return Summary{}, fmt.Errorf("op=recorder.summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return Summary{}, fmt.Errorf("op=recorder.summary: %w", err)
	}
	return s, nil
}

// Rebuild regenerates a day's summary by rescanning its result files. Used
// when a summary is suspected stale or was lost.
func (a *Archive) Rebuild(day time.Time) (Summary, error) {
	dir := filepath.Join(a.root, dailyDir, day.UTC().Format("2006-01-02"))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, fmt.Errorf("op=recorder.rebuild: %w", domain.ErrNotFound)
		}
		return Summary{}, fmt.Errorf("op=recorder.rebuild: %w", err)
	}

	s := Summary{
		Date:     day.UTC().Format("2006-01-02"),
		Scrapers: map[string]map[string]int{},
		Updated:  time.Now().UTC(),
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == summaryFile || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return Summary{}, fmt.Errorf("op=recorder.rebuild: %w", err)
		}
		var res domain.JobResult
		if err := json.Unmarshal(raw, &res); err != nil {
			continue // unreadable file skipped, not fatal
		}
		addToSummary(&s, res)
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return Summary{}, fmt.Errorf("op=recorder.rebuild: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := atomicWrite(filepath.Join(dir, summaryFile), raw); err != nil {
		return Summary{}, fmt.Errorf("op=recorder.rebuild: %w", err)
	}
	return s, nil
}

func (a *Archive) bumpSummary(dir string, day time.Time, res domain.JobResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(dir, summaryFile)
	s := Summary{
		Date:     day.Format("2006-01-02"),
		Scrapers: map[string]map[string]int{},
	}
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &s)
		if s.Scrapers == nil {
			s.Scrapers = map[string]map[string]int{}
		}
	}
	addToSummary(&s, res)
	s.Updated = time.Now().UTC()

	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("op=recorder.summary: %w", err)
	}
	if err := atomicWrite(path, raw); err != nil {
		return fmt.Errorf("op=recorder.summary: %w", err)
	}
	return nil
}

func addToSummary(s *Summary, res domain.JobResult) {
	s.Total++
	scraper := res.ScraperID
	if scraper == "" {
		scraper = "unknown"
	}
	if s.Scrapers[scraper] == nil {
		s.Scrapers[scraper] = map[string]int{}
	}
	s.Scrapers[scraper][string(res.Status)]++
}

// refreshLatest points root/latest at the newest daily directory. A late
// redelivery for an earlier day leaves the link alone: the target only ever
// moves forward. Day names are ISO dates, so string order is date order.
func (a *Archive) refreshLatest(day time.Time) error {
	link := filepath.Join(a.root, latestLink)
	target := filepath.Join(dailyDir, day.Format("2006-01-02"))
	if cur, err := os.Readlink(link); err == nil && filepath.Base(cur) > filepath.Base(target) {
		return nil
	}
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("op=recorder.latest: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("op=recorder.latest: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
