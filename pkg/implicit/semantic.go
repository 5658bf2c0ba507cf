package implicit

import "strings"

// DefaultRelationship labels a type pair the table does not know.
const DefaultRelationship = "related_to"

// typePair keys the relationship table by lowercased types.
type typePair struct{ a, b string }

// relationships maps a pair of entity types to the relationship two
// co-members of those types most likely have. Lookups try both orders.
var relationships = map[typePair]string{
	{"person", "company"}:   "works_for",
	{"contact", "company"}:  "works_for",
	{"lead", "company"}:     "represents",
	{"person", "project"}:   "contributes_to",
	{"task", "project"}:     "part_of",
	{"task", "person"}:      "assigned_to",
	{"deal", "company"}:     "negotiated_with",
	{"deal", "lead"}:        "originated_from",
	{"document", "project"}: "documents",
	{"invoice", "company"}:  "billed_to",
	{"person", "person"}:    "collaborates_with",
	{"lead", "lead"}:        "peer_of",
}

// Relationship returns the likely relationship between an entity of type
// from and one of type to. Types compare case-insensitively.
func Relationship(from, to string) string {
	a, b := strings.ToLower(from), strings.ToLower(to)
	if r, ok := relationships[typePair{a, b}]; ok {
		return r
	}
	if r, ok := relationships[typePair{b, a}]; ok {
		return r
	}
	return DefaultRelationship
}
