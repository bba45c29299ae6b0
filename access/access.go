// Package access evaluates an ordered list of policies against
// (actor, resource, operation) tuples. The first policy whose resource
// pattern matches determines the allowed operation set; nothing matching
// means deny.
package access

import (
	"errors"
	"fmt"

	"github.com/gobwas/glob"
)

var (
	// ErrDenied indicates the operation is not permitted for the actor.
	ErrDenied = errors.New("access denied")
	// ErrInvalidPattern indicates a policy pattern failed to compile.
	ErrInvalidPattern = errors.New("invalid policy pattern")
)

// Actor identifies the caller of an operation.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole reports whether the actor carries the named role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Policy grants a set of operations on resources matching Pattern, optionally
// restricted to actors holding RequiredRole.
type Policy struct {
	// Pattern is a glob over resource names and URIs, e.g. "file:///work/**"
	// or "search_*".
	Pattern string
	// AllowedOperations lists permitted operations; "*" permits all.
	AllowedOperations []string
	// RequiredRole, when set, restricts the policy to actors with that role.
	RequiredRole string
}

func (p Policy) allows(op string) bool {
	for _, a := range p.AllowedOperations {
		if a == "*" || a == op {
			return true
		}
	}
	return false
}

type compiledPolicy struct {
	Policy
	matcher glob.Glob
}

// Controller evaluates policies in order. It is immutable after construction
// and safe for concurrent use.
type Controller struct {
	policies []compiledPolicy
}

// NewController compiles the ordered policy list. Separator-aware matching
// uses '/' so "dir/*" does not cross path segments while "dir/**" does.
func NewController(policies []Policy) (*Controller, error) {
	compiled := make([]compiledPolicy, 0, len(policies))
	for _, p := range policies {
		g, err := glob.Compile(p.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, p.Pattern, err)
		}
		compiled = append(compiled, compiledPolicy{Policy: p, matcher: g})
	}
	return &Controller{policies: compiled}, nil
}

// AllowAll returns a controller with a single wildcard policy. Used as the
// default when a deployment configures no policies of its own.
func AllowAll() *Controller {
	c, _ := NewController([]Policy{{Pattern: "**", AllowedOperations: []string{"*"}}})
	return c
}

// Check returns nil when actor may perform op on resource, ErrDenied
// otherwise. The first pattern match decides; failures are reported, not
// retried.
func (c *Controller) Check(actor Actor, resource, op string) error {
	for _, p := range c.policies {
		if !p.matcher.Match(resource) {
			continue
		}
		if p.RequiredRole != "" && !actor.HasRole(p.RequiredRole) {
			return fmt.Errorf("%w: %s on %s requires role %q", ErrDenied, op, resource, p.RequiredRole)
		}
		if !p.allows(op) {
			return fmt.Errorf("%w: %s not permitted on %s", ErrDenied, op, resource)
		}
		return nil
	}
	return fmt.Errorf("%w: no policy matches %s", ErrDenied, resource)
}
