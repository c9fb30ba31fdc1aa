// Package tenant carries the per-tenant context every component is built from.
//
// A deployment authenticates as exactly one Azure AD tenant. Rather than
// keeping that identity in package-level state, it is held in an explicit
// Context value that is handed to each constructor.
package tenant

import (
	"errors"
	"strings"
	"time"
)

// Context identifies the tenant and the local conventions its records use.
type Context struct {
	// ID is the Azure AD tenant (directory) identifier.
	ID string
	// Location is the deployment's local timezone. Timezone-naive record
	// values are interpreted in it.
	Location *time.Location

	clock func() time.Time
}

// New creates a tenant context. A nil location means UTC.
func New(id string, loc *time.Location) (*Context, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("tenant id is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Context{ID: id, Location: loc, clock: time.Now}, nil
}

// WithClock returns a copy of the context that reads time from clock.
func (c *Context) WithClock(clock func() time.Time) *Context {
	cp := *c
	cp.clock = clock
	return &cp
}

// Now returns the current instant according to the context's clock.
func (c *Context) Now() time.Time {
	if c.clock == nil {
		return time.Now()
	}
	return c.clock()
}
