package bundle

import (
	"fmt"
	"regexp"
	"sort"
)

// Rule controls how files matching one pattern of a resource ruleset are
// sealed.
type Rule struct {
	// Weight breaks ties when several patterns match, highest wins. Zero
	// counts as 1, the weight of a bare "true" rule.
	Weight float64
	// Omit leaves matching files out of the seal
	Omit bool
	// Optional seals matching files such that verification tolerates their
	// absence
	Optional bool
	// Nested marks matching paths as independently signed code, sealed by
	// code directory hash instead of content digest
	Nested bool
}

func (r *Rule) weight() float64 {
	if r.Weight == 0 {
		return 1
	}
	return r.Weight
}

// ruleSet is a compiled resource ruleset with patterns in sorted order so
// that equal-weight ties resolve deterministically.
type ruleSet struct {
	patterns []string
	regexps  []*regexp.Regexp
	rules    []*Rule
}

func compileRules(rules map[string]Rule) (*ruleSet, error) {
	rs := &ruleSet{patterns: make([]string, 0, len(rules))}
	for pattern := range rules {
		rs.patterns = append(rs.patterns, pattern)
	}
	sort.Strings(rs.patterns)
	for _, pattern := range rs.patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("resource rule %q: %w", pattern, err)
		}
		rule := rules[pattern]
		rs.regexps = append(rs.regexps, re)
		rs.rules = append(rs.rules, &rule)
	}
	return rs, nil
}

// match returns the heaviest rule whose pattern matches relPath, or nil when
// no pattern matches.
func (rs *ruleSet) match(relPath string) *Rule {
	var best *Rule
	for i, re := range rs.regexps {
		if !re.MatchString(relPath) {
			continue
		}
		rule := rs.rules[i]
		if best == nil || rule.weight() > best.weight() {
			best = rule
		}
	}
	return best
}

// DefaultRules returns the version 1 seal rules for bundles that hold
// resources, matching the tables Apple's tools emit. version.plist is matched
// with an unescaped dot there as well.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"^version.plist$": {},
		"^Resources/":     {},
		`^Resources/.*\.lproj/`: {
			Optional: true,
			Weight:   1000,
		},
		`^Resources/Base\.lproj/`: {
			Weight: 1010,
		},
		`^Resources/.*\.lproj/locversion.plist$`: {
			Omit:   true,
			Weight: 1100,
		},
	}
}

// DefaultRules2 returns the version 2 seal rules for bundles that hold
// resources. Both nested patterns are present so that one table serves
// frameworks, which keep code at the bundle root, and apps, which keep it
// under dedicated directories.
func DefaultRules2() map[string]Rule {
	return map[string]Rule{
		"^.*": {},
		"^[^/]+$": {
			Nested: true,
			Weight: 10,
		},
		"^(Frameworks|SharedFrameworks|PlugIns|Plug-ins|XPCServices|Helpers|MacOS|Library/(Automator|Spotlight|LoginItems))/": {
			Nested: true,
			Weight: 10,
		},
		`.*\.dSYM($|/)`: {
			Weight: 11,
		},
		`^(.*/)?\.DS_Store$`: {
			Omit:   true,
			Weight: 2000,
		},
		`^Info\.plist$`: {
			Omit:   true,
			Weight: 20,
		},
		"^PkgInfo$": {
			Omit:   true,
			Weight: 20,
		},
		`^embedded\.provisionprofile$`: {
			Weight: 20,
		},
		`^version\.plist$`: {
			Weight: 20,
		},
		"^Resources/": {
			Weight: 20,
		},
		`^Resources/.*\.lproj/`: {
			Optional: true,
			Weight:   1000,
		},
		`^Resources/Base\.lproj/`: {
			Weight: 1010,
		},
		`^Resources/.*\.lproj/locversion.plist$`: {
			Omit:   true,
			Weight: 1100,
		},
	}
}

// NoResourcesRules returns the version 1 seal rules for shallow bundles
// without a Resources/ directory.
func NoResourcesRules() map[string]Rule {
	return map[string]Rule{
		"^version.plist$": {},
		"^.*":             {},
	}
}

// NoResourcesRules2 returns the version 2 seal rules for shallow bundles
// without a Resources/ directory.
func NoResourcesRules2() map[string]Rule {
	return map[string]Rule{
		"^.*": {},
		"^[^/]+$": {
			Nested: true,
			Weight: 10,
		},
		`.*\.dSYM($|/)`: {
			Weight: 11,
		},
		`^(.*/)?\.DS_Store$`: {
			Omit:   true,
			Weight: 2000,
		},
		`^Info\.plist$`: {
			Omit:   true,
			Weight: 20,
		},
		"^PkgInfo$": {
			Omit:   true,
			Weight: 20,
		},
		`^embedded\.provisionprofile$`: {
			Weight: 20,
		},
		`^version\.plist$`: {
			Weight: 20,
		},
	}
}
