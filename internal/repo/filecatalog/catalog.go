// Package filecatalog serves jobs and connections from a YAML file.
package filecatalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/repo"
)

// Document is the on-disk layout.
type Document struct {
	Destinations []domain.DestinationConnection `yaml:"destinations"`
	Sheets       []domain.ManagedSheet          `yaml:"sheets"`
	FtpSources   []domain.FtpSource             `yaml:"ftpSources"`
	Jobs         []domain.SyncJob               `yaml:"jobs"`
}

// Catalog is read once at startup. Run results update status and last-run
// fields in memory only; the file is never written.
type Catalog struct {
	mu           sync.RWMutex
	jobs         map[string]domain.SyncJob
	destinations map[string]domain.DestinationConnection
	sheets       map[string]domain.ManagedSheet
	ftpSources   map[string]domain.FtpSource
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	cat, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

func Parse(raw []byte) (*Catalog, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return FromDocument(doc)
}

func FromDocument(doc Document) (*Catalog, error) {
	c := &Catalog{
		jobs:         make(map[string]domain.SyncJob, len(doc.Jobs)),
		destinations: make(map[string]domain.DestinationConnection, len(doc.Destinations)),
		sheets:       make(map[string]domain.ManagedSheet, len(doc.Sheets)),
		ftpSources:   make(map[string]domain.FtpSource, len(doc.FtpSources)),
	}
	for _, d := range doc.Destinations {
		if err := putUnique(c.destinations, d.ID, d, "destination"); err != nil {
			return nil, err
		}
	}
	for _, s := range doc.Sheets {
		if err := putUnique(c.sheets, s.ID, s, "sheet"); err != nil {
			return nil, err
		}
	}
	for _, f := range doc.FtpSources {
		if err := putUnique(c.ftpSources, f.ID, f, "ftp source"); err != nil {
			return nil, err
		}
	}
	for _, j := range doc.Jobs {
		strategy, err := domain.ParseSyncStrategy(string(j.Strategy))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		j.Strategy = strategy
		if j.Status == "" {
			j.Status = domain.JobStatusActive
		}
		if err := j.Validate(); err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		if err := putUnique(c.jobs, j.ID, j, "job"); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func putUnique[T any](m map[string]T, id string, v T, what string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%s without id", what)
	}
	if _, dup := m[id]; dup {
		return fmt.Errorf("duplicate %s id %q", what, id)
	}
	m[id] = v
	return nil
}

// Document returns the catalog contents in id order.
func (c *Catalog) Document() Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var doc Document
	for _, id := range sortedKeys(c.destinations) {
		doc.Destinations = append(doc.Destinations, c.destinations[id])
	}
	for _, id := range sortedKeys(c.sheets) {
		doc.Sheets = append(doc.Sheets, c.sheets[id])
	}
	for _, id := range sortedKeys(c.ftpSources) {
		doc.FtpSources = append(doc.FtpSources, c.ftpSources[id])
	}
	for _, id := range sortedKeys(c.jobs) {
		doc.Jobs = append(doc.Jobs, c.jobs[id])
	}
	return doc
}

func (c *Catalog) ListDueJobCandidates(context.Context) ([]domain.SyncJob, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.SyncJob
	for _, id := range sortedKeys(c.jobs) {
		if job := c.jobs[id]; job.Schedulable() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (c *Catalog) GetJob(_ context.Context, id string) (domain.SyncJob, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	job, ok := c.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.SyncJob{}, repo.ErrNotFound
	}
	return job, nil
}

func (c *Catalog) GetDestinationConnection(_ context.Context, id string) (domain.DestinationConnection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dest, ok := c.destinations[strings.TrimSpace(id)]
	if !ok {
		return domain.DestinationConnection{}, repo.ErrNotFound
	}
	return dest, nil
}

func (c *Catalog) GetSourceConnection(_ context.Context, kind domain.SourceKind, id string) (domain.SourceConnection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id = strings.TrimSpace(id)
	switch kind {
	case domain.SourceGoogleSheet:
		sheet, ok := c.sheets[id]
		if !ok {
			return domain.SourceConnection{}, repo.ErrNotFound
		}
		return domain.SourceConnection{Kind: kind, Sheet: &sheet}, nil
	case domain.SourceFTP:
		ftp, ok := c.ftpSources[id]
		if !ok {
			return domain.SourceConnection{}, repo.ErrNotFound
		}
		return domain.SourceConnection{Kind: kind, FTP: &ftp}, nil
	default:
		return domain.SourceConnection{}, errors.New("unknown source kind " + string(kind))
	}
}

// ApplyRunResult mirrors what the PostgreSQL ledger writes to the job row.
func (c *Catalog) ApplyRunResult(jobID string, result domain.RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return
	}
	end := result.EndTime
	job.LastRunAt = &end
	job.LastRunStatus = result.Status
	job.LastRunRowsSynced = result.RowsSynced
	job.LastRunDurationSeconds = result.DurationInSeconds
	if result.SchemaStatus != "" {
		job.SchemaStatus = result.SchemaStatus
	}
	job.Status = repo.NextJobStatus(job.Status, result.Status)
	c.jobs[jobID] = job
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
