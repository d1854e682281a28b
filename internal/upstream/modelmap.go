package upstream

import "strings"

// FamilyRule is one substring fallback entry for model mapping, checked in
// order after the exact table misses.
type FamilyRule struct {
	Substr string
	Target string
}

// MapModel resolves a client model id to an upstream model id: exact table
// first, then ordered substring rules, then the default. It never fails;
// an unknown model gets the documented default rather than an error.
func MapModel(model string, table map[string]string, rules []FamilyRule, def string) string {
	if target, ok := table[model]; ok {
		return target
	}
	lower := strings.ToLower(model)
	for _, r := range rules {
		if strings.Contains(lower, r.Substr) {
			return r.Target
		}
	}
	return def
}
