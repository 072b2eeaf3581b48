package rule

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirahq/cmdgate/pkg/cerr"
)

func TestMatchSpecMatches(t *testing.T) {
	regex, err := Regex(`^systemctl (start|stop|restart) mira-`)
	if err != nil {
		t.Fatalf("failed to build regex spec: %v", err)
	}

	tests := []struct {
		name    string
		spec    MatchSpec
		command string
		want    bool
	}{
		{"exact hit", Exact("uptime"), "uptime", true},
		{"exact miss on suffix", Exact("uptime"), "uptime -p", false},
		{"prefix hit", Prefix("systemctl status mira-"), "systemctl status mira-backend", true},
		{"prefix miss", Prefix("systemctl status mira-"), "systemctl restart mira-backend", false},
		{"prefix equal length", Prefix("ls"), "ls", true},
		{"regex hit", regex, "systemctl restart mira-backend", true},
		{"regex miss", regex, "systemctl status mira-backend", false},
		{"zero spec never matches", MatchSpec{}, "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.spec.Matches(tt.command); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestMatchSpecNormalizesPatterns(t *testing.T) {
	spec := Exact("systemctl  restart   nginx")
	if spec.Pattern() != "systemctl restart nginx" {
		t.Errorf("exact pattern not normalized: %q", spec.Pattern())
	}
	if !spec.Matches("systemctl restart nginx") {
		t.Error("exact pattern with doubled whitespace should match the canonical command")
	}

	spec = Prefix("apt   install ")
	if spec.Pattern() != "apt install " {
		t.Errorf("prefix pattern not normalized: %q", spec.Pattern())
	}
	if !spec.Matches("apt install curl") {
		t.Error("normalized prefix should match")
	}
	if Prefix("apt ").Matches("aptitude update") {
		t.Error("trailing space in a prefix must stay significant")
	}
}

func TestRegexRejectsInvalidPattern(t *testing.T) {
	_, err := Regex("([unclosed")
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
	if !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestNewValidatesKindAndPattern(t *testing.T) {
	if _, err := New("glob", "foo*"); !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("unknown kind: expected InvalidArgument, got %v", err)
	}
	if _, err := New(MatchExact, ""); !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("empty pattern: expected InvalidArgument, got %v", err)
	}
}

func TestMatchSpecYAMLRoundTrip(t *testing.T) {
	spec, err := Regex(`^apt install `)
	if err != nil {
		t.Fatalf("failed to build spec: %v", err)
	}

	data, err := yaml.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got MatchSpec
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Kind() != MatchRegex || got.Pattern() != `^apt install ` {
		t.Errorf("round trip mismatch: got kind=%q pattern=%q", got.Kind(), got.Pattern())
	}
	// The compiled pattern must survive the round trip.
	if !got.Matches("apt install curl") {
		t.Error("unmarshaled regex spec does not match")
	}
}

func TestMatchSpecYAMLRejectsInvalid(t *testing.T) {
	var spec MatchSpec
	if err := yaml.Unmarshal([]byte("kind: regex\npattern: '([bad'\n"), &spec); err == nil {
		t.Fatal("expected error unmarshaling invalid regex spec")
	}
	if err := yaml.Unmarshal([]byte("kind: fuzzy\npattern: x\n"), &spec); err == nil {
		t.Fatal("expected error unmarshaling unknown kind")
	}
}

func TestMatchSpecJSONRoundTrip(t *testing.T) {
	spec := Prefix("systemctl status ")
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got MatchSpec
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Kind() != MatchPrefix || got.Pattern() != "systemctl status " {
		t.Errorf("round trip mismatch: got kind=%q pattern=%q", got.Kind(), got.Pattern())
	}
}

func TestSeverityRank(t *testing.T) {
	if !(SeverityCritical.Rank() > SeverityHigh.Rank() && SeverityHigh.Rank() > SeverityMedium.Rank()) {
		t.Error("severity ordering broken")
	}
	if Severity("extreme").Valid() {
		t.Error("unknown severity should be invalid")
	}
}

func TestPermissionRuleValidate(t *testing.T) {
	r := &PermissionRule{
		ID:        "01TEST",
		Name:      "status checks",
		Match:     Prefix("systemctl status "),
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	if err := r.Validate(); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}

	if err := (&PermissionRule{Name: "x"}).Validate(); !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("missing match spec: expected InvalidArgument, got %v", err)
	}
	if err := (&PermissionRule{Match: Exact("ls")}).Validate(); !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("missing name: expected InvalidArgument, got %v", err)
	}
}

func TestBlocklistEntryValidate(t *testing.T) {
	e := &BlocklistEntry{
		ID:       "01TEST",
		Name:     "format disk",
		Match:    Prefix("mkfs"),
		Severity: SeverityCritical,
		Enabled:  true,
	}
	if err := e.Validate(); err != nil {
		t.Errorf("valid entry rejected: %v", err)
	}

	e.Severity = "extreme"
	if err := e.Validate(); !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("invalid severity: expected InvalidArgument, got %v", err)
	}
}
