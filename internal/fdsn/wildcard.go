package fdsn

import (
	"regexp"
	"strings"
)

// WildToRegexp converts an FDSN wildcard pattern (`*` any run, `?` one
// char) into an anchored regular expression for in-memory filtering.
func WildToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// WildToLike converts an FDSN wildcard pattern into a SQL LIKE pattern
// (`*`→`%`, `?`→`_`). Literal `%` and `_` are escaped with backslash;
// queries using the result must carry `ESCAPE '\'`.
func WildToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HasWildcard reports whether the pattern contains `*` or `?`.
func HasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// MatchWild reports whether value matches the FDSN wildcard pattern.
func MatchWild(pattern, value string) bool {
	if !HasWildcard(pattern) {
		return pattern == value
	}
	return WildToRegexp(pattern).MatchString(value)
}

// Filter holds the user's network/station/location/channel selection.
// Each slice element is an FDSN wildcard token; a leading `!` negates it.
// Negations are a client-side extension: they are never sent to a web
// service, only applied after response parsing (or translated to SQL for
// database fallback queries).
type Filter struct {
	Networks  []string
	Stations  []string
	Locations []string
	Channels  []string
}

// terms splits a token list into positive and negated (with `!` stripped).
func terms(tokens []string) (pos, neg []string) {
	for _, t := range tokens {
		if strings.HasPrefix(t, "!") {
			neg = append(neg, t[1:])
		} else {
			pos = append(pos, t)
		}
	}
	return pos, neg
}

// postArg renders one POST body argument from a token list: negations are
// dropped, remaining tokens comma-joined, empty list becomes `*`. For the
// location slot an all-empty positive set becomes `--`.
func postArg(tokens []string, isLocation bool) string {
	pos, _ := terms(tokens)
	if len(pos) == 0 {
		return "*"
	}
	joined := strings.Join(pos, ",")
	if isLocation && strings.Trim(joined, ",") == "" {
		return "--"
	}
	return joined
}

// PostArgs returns the four channel selector arguments for an FDSN POST
// body. Invariant: the result never contains a `!` negation.
func (f Filter) PostArgs() (net, sta, loc, cha string) {
	return postArg(f.Networks, false), postArg(f.Stations, false),
		postArg(f.Locations, true), postArg(f.Channels, false)
}

// slots pairs each token list with the tuple value it constrains.
func (f Filter) slots(net, sta, loc, cha string) [4]struct {
	tokens []string
	value  string
} {
	return [4]struct {
		tokens []string
		value  string
	}{
		{f.Networks, net}, {f.Stations, sta}, {f.Locations, loc}, {f.Channels, cha},
	}
}

// MatchNegations applies only the negated tokens to a concrete channel
// tuple. Positive tokens are assumed to have been enforced server-side.
func (f Filter) MatchNegations(net, sta, loc, cha string) bool {
	for _, s := range f.slots(net, sta, loc, cha) {
		_, neg := terms(s.tokens)
		for _, pat := range neg {
			if MatchWild(pat, s.value) {
				return false
			}
		}
	}
	return true
}

// Match applies the full filter (positives and negations) to a concrete
// channel tuple. Used by the routing validator, where tuples come from
// the routing service rather than a station query.
func (f Filter) Match(net, sta, loc, cha string) bool {
	for _, s := range f.slots(net, sta, loc, cha) {
		pos, neg := terms(s.tokens)
		if len(pos) > 0 {
			ok := false
			for _, pat := range pos {
				if MatchWild(pat, s.value) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
		for _, pat := range neg {
			if MatchWild(pat, s.value) {
				return false
			}
		}
	}
	return true
}

// SQLCondition translates one token list into a SQL boolean expression on
// the given column, using LIKE for wildcards and equality otherwise.
// Returns "" when the list is empty (no constraint).
func SQLCondition(column string, tokens []string) (expr string, args []any) {
	var ors, ands []string
	var orArgs, andArgs []any
	for _, t := range tokens {
		negate := strings.HasPrefix(t, "!")
		pat := strings.TrimPrefix(t, "!")
		var cond string
		var arg any
		if HasWildcard(pat) {
			cond = column + ` LIKE ? ESCAPE '\'`
			arg = WildToLike(pat)
		} else {
			cond = column + " = ?"
			arg = pat
		}
		if negate {
			ands = append(ands, "NOT ("+cond+")")
			andArgs = append(andArgs, arg)
		} else {
			ors = append(ors, cond)
			orArgs = append(orArgs, arg)
		}
	}
	var parts []string
	if len(ors) > 0 {
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
		args = append(args, orArgs...)
	}
	parts = append(parts, ands...)
	args = append(args, andArgs...)
	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, " AND "), args
}
