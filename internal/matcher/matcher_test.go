package matcher

import (
	"testing"

	"github.com/mirahq/cmdgate/internal/rule"
)

func mustRegex(t *testing.T, pattern string) rule.MatchSpec {
	t.Helper()
	spec, err := rule.Regex(pattern)
	if err != nil {
		t.Fatalf("bad regex %q: %v", pattern, err)
	}
	return spec
}

func TestClassifyBlocklistWinsOverWhitelist(t *testing.T) {
	snap := &rule.Snapshot{
		Rules: []*rule.PermissionRule{
			{ID: "r1", Name: "allow everything rm", Match: rule.Prefix("rm "), Enabled: true},
		},
		Blocklist: []*rule.BlocklistEntry{
			{ID: "b1", Name: "Recursive root deletion", Match: mustRegex(t, `rm\s+-rf\s+/`),
				Severity: rule.SeverityCritical, Enabled: true},
		},
	}

	d := Classify("rm -rf /var/data", snap)
	if d.Kind != DecisionBlocked {
		t.Fatalf("kind = %s, want blocked", d.Kind)
	}
	if d.Entry == nil || d.Entry.Name != "Recursive root deletion" {
		t.Errorf("wrong blocking entry: %+v", d.Entry)
	}
	if d.Rule != nil {
		t.Error("blocked decision must not carry a rule")
	}
}

func TestClassifyBlocklistFirstMatchWins(t *testing.T) {
	// Snapshot is pre-sorted severity desc; first match short-circuits.
	snap := &rule.Snapshot{
		Blocklist: []*rule.BlocklistEntry{
			{ID: "b1", Name: "critical", Match: rule.Prefix("dd "), Severity: rule.SeverityCritical, Enabled: true},
			{ID: "b2", Name: "medium", Match: rule.Prefix("dd if="), Severity: rule.SeverityMedium, Enabled: true},
		},
	}

	d := Classify("dd if=/dev/zero of=/dev/sda", snap)
	if d.Kind != DecisionBlocked || d.Entry.ID != "b1" {
		t.Errorf("got %s/%v, want blocked by b1", d.Kind, d.Entry)
	}
}

func TestClassifyPrecedenceExactOverPrefixOverRegex(t *testing.T) {
	exact := &rule.PermissionRule{ID: "exact", Name: "e", Match: rule.Exact("systemctl status mira-backend"), Enabled: true}
	prefix := &rule.PermissionRule{ID: "prefix", Name: "p", Match: rule.Prefix("systemctl status "), Enabled: true}
	regex := &rule.PermissionRule{ID: "regex", Name: "x", Match: mustRegex(t, `^systemctl`), Enabled: true}

	// Creation order deliberately puts the weaker kinds first.
	snap := &rule.Snapshot{Rules: []*rule.PermissionRule{regex, prefix, exact}}

	d := Classify("systemctl status mira-backend", snap)
	if d.Kind != DecisionAutoAllowed || d.Rule.ID != "exact" {
		t.Errorf("got %s/%v, want auto_allowed by exact", d.Kind, d.Rule)
	}

	d = Classify("systemctl status mira-frontend", snap)
	if d.Kind != DecisionAutoAllowed || d.Rule.ID != "prefix" {
		t.Errorf("got %s/%v, want auto_allowed by prefix", d.Kind, d.Rule)
	}

	d = Classify("systemctl restart mira-backend", snap)
	if d.Kind != DecisionAutoAllowed || d.Rule.ID != "regex" {
		t.Errorf("got %s/%v, want auto_allowed by regex", d.Kind, d.Rule)
	}
}

func TestClassifyCreationOrderWithinKind(t *testing.T) {
	first := &rule.PermissionRule{ID: "first", Name: "f", Match: rule.Prefix("apt "), Enabled: true}
	second := &rule.PermissionRule{ID: "second", Name: "s", Match: rule.Prefix("apt install"), Enabled: true}
	snap := &rule.Snapshot{Rules: []*rule.PermissionRule{first, second}}

	d := Classify("apt install curl", snap)
	if d.Rule == nil || d.Rule.ID != "first" {
		t.Errorf("got %v, want first prefix rule in creation order", d.Rule)
	}
}

func TestClassifyRequiresApproval(t *testing.T) {
	snap := &rule.Snapshot{
		Rules: []*rule.PermissionRule{
			{ID: "r1", Name: "apt install", Match: rule.Prefix("apt install "), RequiresApproval: true, Enabled: true},
		},
	}

	d := Classify("apt install curl", snap)
	if d.Kind != DecisionNeedsApproval || d.Rule.ID != "r1" {
		t.Errorf("got %s/%v, want needs_approval by r1", d.Kind, d.Rule)
	}
}

func TestClassifyUnmatched(t *testing.T) {
	snap := &rule.Snapshot{}
	d := Classify("reboot", snap)
	if d.Kind != DecisionUnmatched || d.Rule != nil || d.Entry != nil {
		t.Errorf("got %+v, want bare unmatched", d)
	}
}

func TestClassifyNormalizesWhitespace(t *testing.T) {
	snap := &rule.Snapshot{
		Rules: []*rule.PermissionRule{
			{ID: "r1", Name: "status", Match: rule.Prefix("systemctl status mira-"), Enabled: true},
		},
	}

	d := Classify("systemctl    status   mira-backend", snap)
	if d.Kind != DecisionAutoAllowed {
		t.Errorf("got %s, want auto_allowed after normalization", d.Kind)
	}
}
