package rule

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

type seedEntry struct {
	name        string
	description string
	match       func() (MatchSpec, error)
	severity    Severity
}

var defaultBlocklist = []seedEntry{
	{
		name:        "Recursive root deletion",
		description: "rm -rf targeting the filesystem root",
		match: func() (MatchSpec, error) {
			return Regex(`rm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\s+/(\s|$)`)
		},
		severity: SeverityCritical,
	},
	{
		name:        "Fork bomb",
		description: "classic shell fork bomb",
		match: func() (MatchSpec, error) {
			return Regex(`:\(\)\s*\{.*:\|:.*\}`)
		},
		severity: SeverityCritical,
	},
	{
		name:        "Raw disk overwrite",
		description: "dd writing directly to a block device",
		match: func() (MatchSpec, error) {
			return Regex(`dd\s+.*of=/dev/(sd|nvme|vd|xvd)`)
		},
		severity: SeverityCritical,
	},
	{
		name:        "Filesystem format",
		description: "mkfs on any device",
		match:       func() (MatchSpec, error) { return Prefix("mkfs"), nil },
		severity:    SeverityCritical,
	},
	{
		name:        "Recursive permission open",
		description: "chmod -R 777 on the filesystem root",
		match: func() (MatchSpec, error) {
			return Regex(`chmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)?777\s+/(\s|$)`)
		},
		severity: SeverityHigh,
	},
	{
		name:        "Pipe remote script to shell",
		description: "curl/wget piped into a shell interpreter",
		match: func() (MatchSpec, error) {
			return Regex(`(curl|wget)\s+.*\|\s*(ba|z|da)?sh`)
		},
		severity: SeverityHigh,
	},
	{
		name:        "Immediate shutdown",
		description: "shutdown now without scheduling",
		match:       func() (MatchSpec, error) { return Exact("shutdown now"), nil },
		severity:    SeverityMedium,
	},
}

// SeedDefaultBlocklist inserts the built-in blocklist entries when none
// with is_default exist yet. Operator-added entries are left alone, and a
// previously deleted default is not resurrected once any default remains.
func SeedDefaultBlocklist(ctx context.Context, repo Repository) error {
	existing, err := repo.ListBlocklistEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.IsDefault {
			return nil
		}
	}

	now := time.Now().UTC()
	for _, seed := range defaultBlocklist {
		match, err := seed.match()
		if err != nil {
			return err
		}
		entry := &BlocklistEntry{
			ID:          ulid.Make().String(),
			Name:        seed.name,
			Description: seed.description,
			Match:       match,
			Severity:    seed.severity,
			IsDefault:   true,
			Enabled:     true,
			CreatedAt:   now,
		}
		if err := repo.CreateBlocklistEntry(ctx, entry); err != nil {
			return err
		}
	}
	slog.Info("seeded default blocklist", "entries", len(defaultBlocklist))
	return nil
}
