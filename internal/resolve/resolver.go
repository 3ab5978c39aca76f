// Package resolve maps the backend's opaque node references onto client
// graph node IDs. The backend identifies execution units by logical or
// semantic name while the client generates its own IDs, so resolution walks
// an explicit, ordered rule list and stops at the first match.
package resolve

import (
	"strings"

	"github.com/lienzo/pulse/pkg/schema"
)

// Rule identifies which precedence rule produced a match.
type Rule string

const (
	RuleID          Rule = "id"
	RuleAlias       Rule = "alias"
	RuleTypeTag     Rule = "type_tag"
	RuleTokenPrefix Rule = "token_prefix"
	RuleFamily      Rule = "family"
)

// defaultSeparator splits a backend reference from its instance suffix
// ("Embedding_1" -> "Embedding").
const defaultSeparator = "_"

// Resolution is a successful match: the node ID and the rule that found it.
type Resolution struct {
	NodeID string
	Rule   Rule
}

// Resolver resolves backend node references against a graph snapshot.
// Safe for concurrent use; all fields are set at construction.
type Resolver struct {
	families  []KeywordFamily
	separator string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFamilies replaces the built-in keyword family table.
func WithFamilies(families []KeywordFamily) Option {
	return func(r *Resolver) { r.families = families }
}

// WithSeparator overrides the instance-suffix separator.
func WithSeparator(sep string) Option {
	return func(r *Resolver) { r.separator = sep }
}

// New creates a Resolver with the default family table and separator.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		families:  DefaultFamilies(),
		separator: defaultSeparator,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps nodeRef to exactly one node of the snapshot, trying each rule
// in precedence order and stopping at the first match. Candidate nodes are
// always scanned in snapshot order, never via map iteration, so the same
// reference resolves to the same node for a given snapshot.
func (r *Resolver) Resolve(nodeRef string, snap *schema.GraphSnapshot) (Resolution, bool) {
	if nodeRef == "" || snap == nil || len(snap.Nodes) == 0 {
		return Resolution{}, false
	}

	// Rule 1: exact node ID.
	for _, n := range snap.Nodes {
		if n.ID == nodeRef {
			return Resolution{NodeID: n.ID, Rule: RuleID}, true
		}
	}

	// Rule 2: exact alias.
	for _, n := range snap.Nodes {
		if n.AliasName != "" && n.AliasName == nodeRef {
			return Resolution{NodeID: n.ID, Rule: RuleAlias}, true
		}
	}

	// Rule 3: exact type tag.
	for _, n := range snap.Nodes {
		if n.TypeTag != "" && n.TypeTag == nodeRef {
			return Resolution{NodeID: n.ID, Rule: RuleTypeTag}, true
		}
	}

	// Rule 4: token prefix, substring containment in either direction.
	if token := strings.ToLower(r.refToken(nodeRef)); token != "" {
		for _, n := range snap.Nodes {
			tag := strings.ToLower(n.TypeTag)
			if tag == "" {
				continue
			}
			if strings.Contains(tag, token) || strings.Contains(token, tag) {
				return Resolution{NodeID: n.ID, Rule: RuleTokenPrefix}, true
			}
		}
	}

	// Rule 5: keyword family fallback.
	ref := strings.ToLower(nodeRef)
	for _, fam := range r.families {
		if !containsAny(ref, fam.Keywords) {
			continue
		}
		for _, n := range snap.Nodes {
			if containsAny(strings.ToLower(n.TypeTag), fam.Keywords) {
				return Resolution{NodeID: n.ID, Rule: RuleFamily}, true
			}
		}
	}

	return Resolution{}, false
}

// refToken strips the instance suffix from a backend reference:
// "Embedding_1" becomes "Embedding"; legacy IDs with a bare trailing number
// ("chatOpenAI3") lose the digits.
func (r *Resolver) refToken(ref string) string {
	if i := strings.LastIndex(ref, r.separator); i > 0 {
		return ref[:i]
	}
	return strings.TrimRight(ref, "0123456789")
}

// containsAny reports whether s contains any of the lowercase keywords.
func containsAny(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(s, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
