// Package rules provides condition evaluation and the fraud rule engine.
package rules

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/clickguard/kestrel/internal/domain"
)

// regexCache memoizes compiled patterns; invalid patterns are cached as nil
// so repeated evaluation of a broken rule stays cheap.
var regexCache sync.Map

// Evaluate applies one typed condition against a flat event record.
// It never panics and never returns an error: an unknown operator, a missing
// field, or an invalid regex all evaluate to false.
func Evaluate(cond domain.Condition, record map[string]string) bool {
	value, ok := record[cond.Field]
	if !ok {
		return false
	}

	switch cond.Operator {
	case domain.OpEquals:
		return value == cond.Value

	case domain.OpNotEquals:
		return value != cond.Value

	case domain.OpGreaterThan:
		return toFloat(value) > toFloat(cond.Value)

	case domain.OpLessThan:
		return toFloat(value) < toFloat(cond.Value)

	case domain.OpContains:
		return strings.Contains(value, cond.Value)

	case domain.OpNotContains:
		return !strings.Contains(value, cond.Value)

	case domain.OpRegex:
		re := compilePattern(cond.Value)
		if re == nil {
			return false
		}
		return re.MatchString(value)

	case domain.OpInList:
		for _, entry := range strings.Split(cond.Value, ",") {
			if value == strings.TrimSpace(entry) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// toFloat coerces a string to a number; non-numeric values coerce to 0.
func toFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func compilePattern(pattern string) *regexp.Regexp {
	if cached, ok := regexCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	regexCache.Store(pattern, re)
	return re
}
