package rule

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mirahq/cmdgate/pkg/cerr"
	"github.com/mirahq/cmdgate/pkg/cmdline"
)

type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
	MatchRegex  MatchKind = "regex"
)

// MatchSpec is a tagged union of the three pattern kinds. The zero value
// is invalid; construct via Exact, Prefix or Regex so exactly one kind is
// ever populated and regex patterns are compiled before they can be
// stored.
type MatchSpec struct {
	kind    MatchKind
	pattern string
	re      *regexp.Regexp
}

// Exact and Prefix canonicalize the pattern the same way commands are
// canonicalized before matching, so stray whitespace in an operator-typed
// pattern can never defeat the rule.
func Exact(s string) MatchSpec {
	return MatchSpec{kind: MatchExact, pattern: cmdline.Normalize(s)}
}

func Prefix(s string) MatchSpec {
	p := cmdline.Normalize(s)
	// A trailing space is significant in a prefix: "apt " must not
	// match "aptitude".
	if p != "" && strings.TrimRight(s, " \t") != s {
		p += " "
	}
	return MatchSpec{kind: MatchPrefix, pattern: p}
}

func Regex(pattern string) (MatchSpec, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MatchSpec{}, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid regex pattern: %v", err), err)
	}
	return MatchSpec{kind: MatchRegex, pattern: pattern, re: re}, nil
}

// New builds a MatchSpec from its serialized form, validating kind and
// pattern the same way the constructors do.
func New(kind MatchKind, pattern string) (MatchSpec, error) {
	var spec MatchSpec
	switch kind {
	case MatchExact:
		spec = Exact(pattern)
	case MatchPrefix:
		spec = Prefix(pattern)
	case MatchRegex:
		if pattern == "" {
			return MatchSpec{}, cerr.NewError(cerr.InvalidArgument, "match pattern must not be empty", nil)
		}
		return Regex(pattern)
	default:
		return MatchSpec{}, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown match kind %q", kind), nil)
	}
	if spec.pattern == "" {
		return MatchSpec{}, cerr.NewError(cerr.InvalidArgument, "match pattern must not be empty", nil)
	}
	return spec, nil
}

func (m MatchSpec) Kind() MatchKind { return m.kind }

func (m MatchSpec) Pattern() string { return m.pattern }

func (m MatchSpec) IsZero() bool { return m.kind == "" }

// Matches reports whether the (normalized) command satisfies the spec.
func (m MatchSpec) Matches(command string) bool {
	switch m.kind {
	case MatchExact:
		return command == m.pattern
	case MatchPrefix:
		return len(command) >= len(m.pattern) && command[:len(m.pattern)] == m.pattern
	case MatchRegex:
		return m.re != nil && m.re.MatchString(command)
	default:
		return false
	}
}

// matchSpecDoc is the serialized form shared by YAML and JSON.
type matchSpecDoc struct {
	Kind    MatchKind `yaml:"kind" json:"kind"`
	Pattern string    `yaml:"pattern" json:"pattern"`
}

func (m MatchSpec) MarshalYAML() (any, error) {
	if m.IsZero() {
		return nil, cerr.NewError(cerr.InvalidArgument, "cannot marshal zero MatchSpec", nil)
	}
	return matchSpecDoc{Kind: m.kind, Pattern: m.pattern}, nil
}

func (m *MatchSpec) UnmarshalYAML(unmarshal func(any) error) error {
	var doc matchSpecDoc
	if err := unmarshal(&doc); err != nil {
		return err
	}
	spec, err := New(doc.Kind, doc.Pattern)
	if err != nil {
		return err
	}
	*m = spec
	return nil
}

func (m MatchSpec) MarshalJSON() ([]byte, error) {
	if m.IsZero() {
		return nil, cerr.NewError(cerr.InvalidArgument, "cannot marshal zero MatchSpec", nil)
	}
	return json.Marshal(matchSpecDoc{Kind: m.kind, Pattern: m.pattern})
}

func (m *MatchSpec) UnmarshalJSON(data []byte) error {
	var doc matchSpecDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	spec, err := New(doc.Kind, doc.Pattern)
	if err != nil {
		return err
	}
	*m = spec
	return nil
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Rank orders severities for blocklist evaluation: higher is evaluated
// first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// PermissionRule is a whitelist entry: a command pattern that is allowed,
// either automatically or after human approval.
type PermissionRule struct {
	ID               string     `yaml:"id" json:"id"`
	Name             string     `yaml:"name" json:"name"`
	Description      string     `yaml:"description" json:"description"`
	Match            MatchSpec  `yaml:"match" json:"match"`
	RequiresApproval bool       `yaml:"requires_approval" json:"requires_approval"`
	Enabled          bool       `yaml:"enabled" json:"enabled"`
	CreatedBy        string     `yaml:"created_by" json:"created_by"`
	CreatedAt        time.Time  `yaml:"created_at" json:"created_at"`
	LastUsedAt       *time.Time `yaml:"last_used_at,omitempty" json:"last_used_at,omitempty"`
	UseCount         int64      `yaml:"use_count" json:"use_count"`
}

// Validate checks the writable fields; called before every store write.
func (r *PermissionRule) Validate() error {
	if r.Name == "" {
		return cerr.NewError(cerr.InvalidArgument, "rule name must not be empty", nil)
	}
	if r.Match.IsZero() {
		return cerr.NewError(cerr.InvalidArgument, "rule match spec must be set", nil)
	}
	return nil
}

// BlocklistEntry is a pattern that is never allowed. Enabled entries are
// authoritative: no whitelist rule or approval overrides them.
type BlocklistEntry struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description" json:"description"`
	Match       MatchSpec `yaml:"match" json:"match"`
	Severity    Severity  `yaml:"severity" json:"severity"`
	IsDefault   bool      `yaml:"is_default" json:"is_default"`
	Enabled     bool      `yaml:"enabled" json:"enabled"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
}

func (e *BlocklistEntry) Validate() error {
	if e.Name == "" {
		return cerr.NewError(cerr.InvalidArgument, "blocklist entry name must not be empty", nil)
	}
	if e.Match.IsZero() {
		return cerr.NewError(cerr.InvalidArgument, "blocklist entry match spec must be set", nil)
	}
	if !e.Severity.Valid() {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid severity %q", e.Severity), nil)
	}
	return nil
}
