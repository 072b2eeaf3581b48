package rule

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is an immutable view of the enabled rules and blocklist
// entries, ordered the way the matcher evaluates them: blocklist by
// severity descending then creation order, rules in creation order. The
// matcher never sees a half-edited rule set.
type Snapshot struct {
	Rules     []*PermissionRule
	Blocklist []*BlocklistEntry
	TakenAt   time.Time
}

// BuildSnapshot reads the repository and assembles an evaluation-ordered
// snapshot.
func BuildSnapshot(ctx context.Context, repo Repository) (*Snapshot, error) {
	rules, err := repo.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := repo.ListBlocklistEntries(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{TakenAt: time.Now().UTC()}
	for _, r := range rules {
		if r.Enabled {
			snap.Rules = append(snap.Rules, r)
		}
	}
	for _, e := range entries {
		if e.Enabled {
			snap.Blocklist = append(snap.Blocklist, e)
		}
	}
	// Stable sort keeps creation order within a severity.
	sort.SliceStable(snap.Blocklist, func(i, j int) bool {
		return snap.Blocklist[i].Severity.Rank() > snap.Blocklist[j].Severity.Rank()
	})
	return snap, nil
}

// Provider caches the current snapshot and refreshes it on an interval,
// on explicit invalidation (after a write through the HTTP handlers), and
// on filesystem events from the rules directory when one is available.
type Provider struct {
	repo     Repository
	interval time.Duration
	watchDir string

	mu   sync.RWMutex
	snap *Snapshot
}

func NewProvider(repo Repository, interval time.Duration, watchDir string) *Provider {
	return &Provider{
		repo:     repo,
		interval: interval,
		watchDir: watchDir,
	}
}

// Current returns the cached snapshot, loading it on first use.
func (p *Provider) Current(ctx context.Context) (*Snapshot, error) {
	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	return p.Refresh(ctx)
}

// Refresh rebuilds the snapshot from the repository.
func (p *Provider) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := BuildSnapshot(ctx, p.repo)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
	return snap, nil
}

// Run refreshes the snapshot on the configured interval and on fsnotify
// events from the rules directory. Blocks until ctx is done.
func (p *Provider) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	if p.watchDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("rule snapshot: fsnotify unavailable, falling back to interval refresh", "error", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(p.watchDir); err != nil {
				slog.Warn("rule snapshot: failed to watch rules directory", "dir", p.watchDir, "error", err)
			} else {
				events = watcher.Events
			}
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
		}
		if _, err := p.Refresh(ctx); err != nil {
			slog.Error("rule snapshot refresh failed", "error", err)
		}
	}
}
