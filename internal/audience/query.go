// Package audience turns a campaign's targeting rule into a customer query.
package audience

import (
	"sort"
	"strings"
	"time"

	"promobot/internal/domain"
)

// Query is the normalized, store-facing form of a TargetingRule. Every
// driver must select exactly the customers for which Matches is true.
type Query struct {
	All          bool
	IncludeTags  []string // lowercase, any-of
	ExcludeTags  []string // lowercase, none-of
	MinFrequency *int
	MaxFrequency *int
	VisitedAfter *time.Time // inclusive
}

// Matches is the reference predicate. Only active customers match.
func (q Query) Matches(c domain.Customer) bool {
	if !c.Active() {
		return false
	}
	if q.All {
		return true
	}
	if len(q.IncludeTags) > 0 {
		hit := false
		for _, t := range q.IncludeTags {
			if c.HasTag(t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, t := range q.ExcludeTags {
		if c.HasTag(t) {
			return false
		}
	}
	if q.MinFrequency != nil && c.Frequency < *q.MinFrequency {
		return false
	}
	if q.MaxFrequency != nil && c.Frequency > *q.MaxFrequency {
		return false
	}
	if q.VisitedAfter != nil && c.LastVisit.Before(*q.VisitedAfter) {
		return false
	}
	return true
}

// BuildQuery normalizes rule relative to now.
func BuildQuery(rule domain.TargetingRule, now time.Time) Query {
	if rule.AllClients {
		return Query{All: true}
	}
	q := Query{
		IncludeTags:  normalizeTags(rule.IncludeTags),
		ExcludeTags:  normalizeTags(rule.ExcludeTags),
		MinFrequency: copyInt(rule.MinFrequency),
		MaxFrequency: copyInt(rule.MaxFrequency),
	}
	if rule.VisitedWithinDays != nil && *rule.VisitedWithinDays >= 0 {
		cutoff := now.AddDate(0, 0, -*rule.VisitedWithinDays)
		q.VisitedAfter = &cutoff
	}
	return q
}

func normalizeTags(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
