// Package render substitutes {{placeholder}} tokens in campaign templates.
package render

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"promobot/internal/domain"
)

// DefaultDateLayout is day/month/year.
const DefaultDateLayout = "02/01/2006"

var tokenRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Renderer is stateless apart from its settings and safe for concurrent use.
type Renderer struct {
	DateLayout string
	Location   *time.Location
	Now        func() time.Time
}

func New(dateLayout string, loc *time.Location) *Renderer {
	return &Renderer{DateLayout: dateLayout, Location: loc}
}

// Render replaces every token. Unknown tokens become empty and the result
// never contains "{{".
func (r *Renderer) Render(tpl string, c domain.Customer, camp domain.Campaign) string {
	out := tokenRe.ReplaceAllStringFunc(tpl, func(tok string) string {
		m := tokenRe.FindStringSubmatch(tok)
		if len(m) < 2 {
			return ""
		}
		return r.value(strings.ToLower(strings.TrimSpace(m[1])), c, camp)
	})
	// Dangling or nested braces are dropped too.
	for strings.Contains(out, "{{") {
		out = strings.ReplaceAll(out, "{{", "")
	}
	return out
}

func (r *Renderer) value(key string, c domain.Customer, camp domain.Campaign) string {
	switch key {
	case "name", "first_name":
		return c.FirstName()
	case "full_name":
		return strings.TrimSpace(c.Name)
	case "phone":
		return c.Phone
	case "email":
		return c.Email
	case "frequency":
		return strconv.Itoa(c.Frequency)
	case "birthday":
		if c.Birthday == nil {
			return ""
		}
		return r.date(*c.Birthday)
	case "last_visit":
		if c.LastVisit.IsZero() {
			return ""
		}
		return r.date(c.LastVisit)
	case "campaign_name", "campaign":
		return camp.Name
	case "description":
		return camp.Description
	case "start_date":
		if camp.Schedule.StartAt.IsZero() {
			return ""
		}
		return r.date(camp.Schedule.StartAt)
	case "end_date":
		if camp.Schedule.EndAt == nil {
			return ""
		}
		return r.date(*camp.Schedule.EndAt)
	case "today", "date":
		return r.date(r.now())
	}
	for k, v := range c.Attributes {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (r *Renderer) date(t time.Time) string {
	layout := r.DateLayout
	if strings.TrimSpace(layout) == "" {
		layout = DefaultDateLayout
	}
	if r.Location != nil {
		t = t.In(r.Location)
	}
	return t.Format(layout)
}

func (r *Renderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
