package domain

import (
	"strings"
	"time"
)

type CustomerStatus string

const (
	CustomerActive   CustomerStatus = "active"
	CustomerInactive CustomerStatus = "inactive"
	CustomerBlocked  CustomerStatus = "blocked"
)

// Customer is owned by the registry; this module only reads it.
type Customer struct {
	ID         string
	Name       string
	Phone      string
	Email      string
	Status     CustomerStatus
	Tags       []string
	Frequency  int
	LastVisit  time.Time
	Birthday   *time.Time
	Attributes map[string]string
}

func (c Customer) Active() bool { return c.Status == CustomerActive }

// FirstName returns the first whitespace-separated word of Name.
func (c Customer) FirstName() string {
	f := strings.Fields(c.Name)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// HasTag compares case-insensitively.
func (c Customer) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// NormalizePhone keeps digits only.
func NormalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
