// Package catalog maps task kinds to their eligibility predicate, handler and
// timeout.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rubaz/internal/command"
	"rubaz/internal/task"
)

type (
	Handler  func(ctx context.Context, d *command.Deps, t task.Task) task.Result
	Eligible func(ctx context.Context, d *command.Deps, t task.Task) bool
	// Timeout returns the handler deadline given the configured base.
	Timeout func(ctx context.Context, d *command.Deps, base time.Duration) time.Duration
)

type Kind struct {
	Kind     task.Kind
	Name     string
	Eligible Eligible
	Run      Handler
	Timeout  Timeout
}

type Catalog struct {
	kinds map[task.Kind]Kind
}

// New returns the catalogue with every built-in kind registered.
func New() *Catalog {
	return Of(accountInit(), updateVillage(), sleep())
}

// Of builds a catalogue from kinds. It panics on invalid or duplicate kinds.
func Of(kinds ...Kind) *Catalog {
	c := &Catalog{kinds: map[task.Kind]Kind{}}
	for _, k := range kinds {
		c.MustRegister(k)
	}
	return c
}

func (c *Catalog) Register(k Kind) error {
	if k.Kind == "" || k.Run == nil {
		return fmt.Errorf("catalog: kind and handler are required")
	}
	if _, dup := c.kinds[k.Kind]; dup {
		return fmt.Errorf("catalog: duplicate kind %q", k.Kind)
	}
	if k.Name == "" {
		k.Name = string(k.Kind)
	}
	c.kinds[k.Kind] = k
	return nil
}

func (c *Catalog) MustRegister(k Kind) {
	if err := c.Register(k); err != nil {
		panic(err)
	}
}

func (c *Catalog) Lookup(kind task.Kind) (Kind, bool) {
	k, ok := c.kinds[kind]
	return k, ok
}

// Kinds lists registered kinds in name order.
func (c *Catalog) Kinds() []task.Kind {
	out := make([]task.Kind, 0, len(c.kinds))
	for k := range c.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Eligible evaluates t's predicate. Unknown kinds are never eligible.
func (c *Catalog) Eligible(ctx context.Context, d *command.Deps, t task.Task) bool {
	k, ok := c.kinds[t.Kind]
	if !ok {
		return false
	}
	if k.Eligible == nil {
		return true
	}
	return k.Eligible(ctx, d, t)
}

func (c *Catalog) Timeout(ctx context.Context, d *command.Deps, t task.Task, base time.Duration) time.Duration {
	k, ok := c.kinds[t.Kind]
	if !ok || k.Timeout == nil {
		return base
	}
	return k.Timeout(ctx, d, base)
}

// Run invokes t's handler. An unknown kind fails fatally: it can never run.
func (c *Catalog) Run(ctx context.Context, d *command.Deps, t task.Task) task.Result {
	k, ok := c.kinds[t.Kind]
	if !ok {
		return task.Fail(task.Fatal(fmt.Errorf("unknown task kind %q", t.Kind)))
	}
	return k.Run(ctx, d, t)
}
