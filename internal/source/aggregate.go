package source

import (
	"errors"
	"fmt"
	"log/slog"
)

// Aggregate is the ordered classpath of a module. Order decides which
// source wins when two sources hold the same class.
type Aggregate struct {
	name     string
	logger   *slog.Logger
	children []ClassSource
	failed   map[string]error
}

// NewAggregate creates an empty aggregate.
func NewAggregate(name string, logger *slog.Logger) *Aggregate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregate{
		name:   name,
		logger: logger,
		failed: make(map[string]error),
	}
}

// Name returns the aggregate name, normally app/module.
func (a *Aggregate) Name() string { return a.name }

// Add appends a child. Child names must be unique.
func (a *Aggregate) Add(child ClassSource) error {
	for _, c := range a.children {
		if c.Name() == child.Name() {
			return fmt.Errorf("duplicate class source name %q", child.Name())
		}
	}
	a.children = append(a.children, child)
	return nil
}

// Children returns every child in classpath order.
func (a *Aggregate) Children() []ClassSource {
	return append([]ClassSource(nil), a.children...)
}

// Len returns the number of children.
func (a *Aggregate) Len() int { return len(a.children) }

// Open opens every child. A child that fails to open is masked: it is
// logged, recorded in Failed, and skipped by every later scan.
func (a *Aggregate) Open() {
	a.failed = make(map[string]error)
	for _, c := range a.children {
		if err := c.Open(); err != nil {
			a.logger.Warn("class source failed to open, masking it",
				slog.String("source", c.Name()),
				slog.String("error", err.Error()))
			a.failed[c.Name()] = err
		}
	}
}

// Close closes every child, including masked ones.
func (a *Aggregate) Close() error {
	var errs []error
	for _, c := range a.children {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Failed returns the open failure of each masked child.
func (a *Aggregate) Failed() map[string]error {
	out := make(map[string]error, len(a.failed))
	for k, v := range a.failed {
		out[k] = v
	}
	return out
}

// Masked reports whether the named child failed to open.
func (a *Aggregate) Masked(name string) bool {
	_, ok := a.failed[name]
	return ok
}

// Select returns the unmasked children whose policy is in mask, in order.
func (a *Aggregate) Select(mask Policy) []ClassSource {
	var out []ClassSource
	for _, c := range a.children {
		if a.Masked(c.Name()) || !c.Policy().Accept(mask) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// NonExternal returns the unmasked seed, partial and excluded children.
func (a *Aggregate) NonExternal() []ClassSource { return a.Select(NonExternal) }

// External returns the unmasked external children.
func (a *Aggregate) External() []ClassSource { return a.Select(External) }

// Names returns every child name in order.
func (a *Aggregate) Names() []string {
	names := make([]string, len(a.children))
	for i, c := range a.children {
		names[i] = c.Name()
	}
	return names
}
