package ratelimit

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

type (
	Policy struct {
		Category Category
		Limit
	}

	// Registry maps categories to policies. The whole set is replaced
	// atomically, so readers never observe a partially loaded configuration.
	Registry struct {
		maxWindow time.Duration
		set       atomic.Pointer[policySet]
	}

	policySet map[Category]Policy
)

func NewPolicy(category Category, quota, windowSeconds, lockoutSeconds int) (Policy, error) {
	if category == "" {
		return Policy{}, &PolicyConfigurationError{Reason: "category cannot be empty"}
	}

	if quota <= 0 {
		return Policy{}, &PolicyConfigurationError{Category: category, Reason: fmt.Sprintf("quota must be positive, got %d", quota)}
	}

	if windowSeconds <= 0 {
		return Policy{}, &PolicyConfigurationError{Category: category, Reason: fmt.Sprintf("window must be positive, got %ds", windowSeconds)}
	}

	if lockoutSeconds < 0 {
		return Policy{}, &PolicyConfigurationError{Category: category, Reason: fmt.Sprintf("lockout cannot be negative, got %ds", lockoutSeconds)}
	}

	return Policy{
		Category: category,
		Limit: Limit{
			Quota:   quota,
			Window:  time.Duration(windowSeconds) * time.Second,
			Lockout: time.Duration(lockoutSeconds) * time.Second,
		},
	}, nil
}

// NewRegistry validates the policies against maxWindow, the longest window the
// counter store can retain. A zero maxWindow disables the bound.
func NewRegistry(maxWindow time.Duration, policies ...Policy) (*Registry, error) {
	r := &Registry{maxWindow: maxWindow}

	if err := r.Replace(policies...); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) Replace(policies ...Policy) error {
	s := make(policySet, len(policies))

	for _, p := range policies {
		if err := r.validate(p); err != nil {
			return err
		}

		if _, ok := s[p.Category]; ok {
			return &PolicyConfigurationError{Category: p.Category, Reason: "category is defined more than once"}
		}

		s[p.Category] = p
	}

	if _, ok := s[Default]; !ok {
		return ErrDefaultMissing
	}

	r.set.Store(&s)

	return nil
}

func (r *Registry) validate(p Policy) error {
	if _, err := NewPolicy(p.Category, p.Quota, 1, 0); err != nil {
		return err
	}

	if p.Window <= 0 {
		return &PolicyConfigurationError{Category: p.Category, Reason: "window must be positive"}
	}

	if p.Lockout < 0 {
		return &PolicyConfigurationError{Category: p.Category, Reason: "lockout cannot be negative"}
	}

	if r.maxWindow > 0 && p.Window > r.maxWindow {
		return &PolicyConfigurationError{
			Category: p.Category,
			Reason:   fmt.Sprintf("window %s exceeds the store bound of %s", p.Window, r.maxWindow),
		}
	}

	return nil
}

// Lookup never fails: unregistered categories get the default policy.
func (r *Registry) Lookup(c Category) Policy {
	s := *r.set.Load()

	if p, ok := s[c]; ok {
		return p
	}

	return s[Default]
}

func (r *Registry) Categories() []Category {
	var (
		s  = *r.set.Load()
		cs = make([]Category, 0, len(s))
	)

	for c := range s {
		cs = append(cs, c)
	}

	sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })

	return cs
}
