// Package matcher classifies a command against a rule snapshot. It is
// pure: no IO, no clocks, no side effects — counter updates and record
// creation belong to the engine.
package matcher

import (
	"github.com/mirahq/cmdgate/internal/rule"
	"github.com/mirahq/cmdgate/pkg/cmdline"
)

type DecisionKind string

const (
	DecisionBlocked       DecisionKind = "blocked"
	DecisionAutoAllowed   DecisionKind = "auto_allowed"
	DecisionNeedsApproval DecisionKind = "needs_approval"
	DecisionUnmatched     DecisionKind = "unmatched"
)

// Decision carries the classification and the rule or blocklist entry
// that produced it. Exactly one of Rule/Entry is set, except for
// Unmatched where both are nil.
type Decision struct {
	Kind  DecisionKind
	Rule  *rule.PermissionRule
	Entry *rule.BlocklistEntry
}

// Classify evaluates the command against the snapshot.
//
// The blocklist is checked first and short-circuits: the snapshot orders
// it by severity descending then creation order, and the first match wins
// regardless of any whitelist rule. Whitelist rules are then evaluated
// exact > prefix > regex, creation order within each kind.
func Classify(command string, snap *rule.Snapshot) Decision {
	normalized := cmdline.Normalize(command)

	for _, entry := range snap.Blocklist {
		if entry.Match.Matches(normalized) {
			return Decision{Kind: DecisionBlocked, Entry: entry}
		}
	}

	for _, kind := range []rule.MatchKind{rule.MatchExact, rule.MatchPrefix, rule.MatchRegex} {
		for _, r := range snap.Rules {
			if r.Match.Kind() != kind {
				continue
			}
			if r.Match.Matches(normalized) {
				if r.RequiresApproval {
					return Decision{Kind: DecisionNeedsApproval, Rule: r}
				}
				return Decision{Kind: DecisionAutoAllowed, Rule: r}
			}
		}
	}

	return Decision{Kind: DecisionUnmatched}
}
