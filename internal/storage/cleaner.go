package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"

	"recordable/server/internal/logging"
	"recordable/server/internal/score"
)

// RetentionPolicy defines how many file-backed scores are retained on disk.
type RetentionPolicy struct {
	MaxScores int
	MaxAge    time.Duration
}

// Enabled reports whether the policy removes anything at all.
func (p RetentionPolicy) Enabled() bool { return p.MaxScores > 0 || p.MaxAge > 0 }

// StorageStats summarises the disk footprint of persisted scores.
type StorageStats struct {
	Scores    int
	Headers   int
	Bytes     int64
	Removed   int
	LastSweep time.Time
}

// Cleaner prunes file-backed scores according to a retention policy, either on a fixed
// interval or shortly after writes when triggered.
type Cleaner struct {
	mu        sync.RWMutex
	sweepMu   sync.Mutex
	dir       string
	policy    RetentionPolicy
	log       *logging.Logger
	now       func() time.Time
	stats     StorageStats
	debounced func(func())
	onRemove  func(id score.ID, reason string)
}

// NewCleaner constructs a cleaner for dir. A positive delay enables Trigger.
func NewCleaner(dir string, policy RetentionPolicy, delay time.Duration, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	cleaner := &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
	if delay > 0 {
		cleaner.debounced = debounce.New(delay)
	}
	return cleaner
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Perform an eager sweep so retention applies immediately on startup.
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// Trigger schedules a sweep once writes have been quiet for the configured delay.
func (c *Cleaner) Trigger() {
	if c == nil || c.debounced == nil || !c.policy.Enabled() {
		return
	}
	c.debounced(c.sweep)
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.sweep()
	return c.Stats()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type artefact struct {
	id      score.ID
	paths   []string
	headers []string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("score retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	//1.- Collapse blobs and headers into one artefact per score, newest first.
	artefacts := c.collect(entries)
	now := c.now()
	kept := 0
	stats := StorageStats{LastSweep: now}
	for _, art := range artefacts {
		remove, reason := c.shouldRemove(art, now, kept)
		if remove {
			err := c.remove(art)
			if err == nil {
				c.log.Info("score retention removed artefact", logging.ScoreID(art.id), logging.String("reason", reason))
				stats.Removed++
				if c.onRemove != nil {
					c.onRemove(art.id, reason)
				}
				continue
			}
			//2.- Artefacts that could not be removed still count towards the footprint.
			c.log.Warn("score retention removal failed", logging.Error(err), logging.ScoreID(art.id))
		}
		kept++
		stats.Scores++
		stats.Headers += len(art.headers)
		stats.Bytes += art.size
	}
	//3.- Publish the refreshed statistics so metrics handlers can report storage usage.
	c.mu.Lock()
	stats.Removed += c.stats.Removed
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) collect(entries []os.DirEntry) []*artefact {
	artefacts := make(map[score.ID]*artefact, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		//1.- Only files named after a score identifier belong to the retention set.
		id, err := score.ParseID(strings.SplitN(name, ".", 2)[0])
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("score retention stat failed", logging.Error(err), logging.String("file", name))
			continue
		}
		art := artefacts[id]
		if art == nil {
			art = &artefact{id: id, modTime: info.ModTime()}
			artefacts[id] = art
		}
		if info.ModTime().After(art.modTime) {
			art.modTime = info.ModTime()
		}
		path := filepath.Join(c.dir, name)
		if strings.HasSuffix(name, headerSuffix) {
			art.headers = append(art.headers, path)
		} else {
			art.paths = append(art.paths, path)
		}
		art.size += info.Size()
	}
	list := make([]*artefact, 0, len(artefacts))
	for _, art := range artefacts {
		list = append(list, art)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].modTime.Equal(list[j].modTime) {
			return list[i].id > list[j].id
		}
		return list[i].modTime.After(list[j].modTime)
	})
	return list
}

func (c *Cleaner) shouldRemove(art *artefact, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(art.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxScores > 0 && kept >= c.policy.MaxScores {
		reasons = append(reasons, fmt.Sprintf(">=%d scores", c.policy.MaxScores))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

func (c *Cleaner) remove(art *artefact) error {
	var errs error
	//1.- Drop the header last so a failed blob removal stays discoverable.
	for _, path := range append(append([]string{}, art.paths...), art.headers...) {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
