// Package domain holds the customer, campaign and message records shared by
// the scheduling and dispatch components, plus their status machines.
package domain
