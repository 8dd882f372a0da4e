// Package counts aggregates test statuses in a three level tree:
// all renderers, one renderer, one category of a renderer.
//
// Only category leaves hold counters. Every other node sums its children
// when asked, and the NotRun count is derived from the total. Leaf
// changes are published on a bus shared by the whole tree; subscribers
// bound to a node only see the changes below it.
package counts

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethpandaops/aria/pkg/model"
)

// Kind selects a counter. Values below model.StatusCount are statuses,
// with every running frame folded into model.StatusRunningBegin.
type Kind int

const (
	KindNotRun Kind = Kind(model.StatusNotRun)

	KindIgnored Kind = Kind(model.StatusCount) + iota - 1
	KindOutdated
	KindTotal
	kindCount
)

// StatusKind returns the counter of a status.
func StatusKind(s model.TestStatus) Kind {
	return Kind(model.NormalizeStatus(s))
}

// Kinds lists the counters reported by snapshots, in display order.
var Kinds = []Kind{
	KindNotRun,
	StatusKind(model.StatusNegligible),
	StatusKind(model.StatusAcceptable),
	StatusKind(model.StatusUnacceptable),
	StatusKind(model.StatusUnprocessed),
	StatusKind(model.StatusRunningBegin),
	KindIgnored,
	KindOutdated,
	KindTotal,
}

func (k Kind) String() string {
	switch k {
	case KindIgnored:
		return "Ignored"
	case KindOutdated:
		return "Outdated"
	case KindTotal:
		return "Total"
	}

	if k >= 0 && k < Kind(model.StatusCount) {
		return model.TestStatus(k).String()
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) isStatus() bool {
	return k > KindNotRun && k < Kind(model.StatusCount)
}

// Change is published for every counter movement of a leaf.
type Change struct {
	Renderer string
	Category string
	Kind     Kind
	Delta    int
}

type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Change)
}

func (b *bus) subscribe(fn func(Change)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.subs, id)
	}
}

func (b *bus) publish(c Change) {
	b.mu.Lock()
	subs := make([]func(Change), 0, len(b.subs))

	for _, fn := range b.subs {
		subs = append(subs, fn)
	}

	b.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}

// All is the root of the tree.
type All struct {
	bus       *bus
	renderers map[string]*Renderer
}

// New creates an empty tree.
func New() *All {
	return &All{
		bus:       &bus{subs: make(map[int]func(Change), 4)},
		renderers: make(map[string]*Renderer, 4),
	}
}

// Renderer returns the node of a renderer, creating it on first use.
func (a *All) Renderer(name string) *Renderer {
	r, ok := a.renderers[name]
	if !ok {
		r = &Renderer{
			all:        a,
			name:       name,
			categories: make(map[string]*Category, 16),
		}
		a.renderers[name] = r
	}

	return r
}

// Renderers returns the renderer nodes sorted by name.
func (a *All) Renderers() []*Renderer {
	out := make([]*Renderer, 0, len(a.renderers))
	for _, r := range a.renderers {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })

	return out
}

// Value sums the counter over every renderer.
func (a *All) Value(k Kind) int {
	total := 0
	for _, r := range a.renderers {
		total += r.Value(k)
	}

	return total
}

// Percent returns the counter as a percentage of the total.
func (a *All) Percent(k Kind) float64 {
	return percent(a.Value(k), a.Value(KindTotal))
}

// Subscribe registers fn for every change in the tree.
func (a *All) Subscribe(fn func(Change)) (unsubscribe func()) {
	return a.bus.subscribe(fn)
}

// Renderer aggregates the categories of one renderer.
type Renderer struct {
	all        *All
	name       string
	categories map[string]*Category
}

// Name returns the renderer name.
func (r *Renderer) Name() string {
	return r.name
}

// Category returns the leaf of a category, creating it on first use.
func (r *Renderer) Category(name string) *Category {
	c, ok := r.categories[name]
	if !ok {
		c = &Category{renderer: r, name: name}
		r.categories[name] = c
	}

	return c
}

// Categories returns the leaves sorted by name.
func (r *Renderer) Categories() []*Category {
	out := make([]*Category, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })

	return out
}

// Value sums the counter over the renderer's categories.
func (r *Renderer) Value(k Kind) int {
	total := 0
	for _, c := range r.categories {
		total += c.Value(k)
	}

	return total
}

// Percent returns the counter as a percentage of the renderer's total.
func (r *Renderer) Percent(k Kind) float64 {
	return percent(r.Value(k), r.Value(KindTotal))
}

// Subscribe registers fn for the changes of this renderer's leaves.
func (r *Renderer) Subscribe(fn func(Change)) (unsubscribe func()) {
	return r.all.bus.subscribe(func(c Change) {
		if c.Renderer == r.name {
			fn(c)
		}
	})
}

// Category is a leaf holding the real counters.
type Category struct {
	renderer *Renderer
	name     string
	values   [kindCount]int
}

// Name returns the category name.
func (c *Category) Name() string {
	return c.name
}

// Renderer returns the parent node.
func (c *Category) Renderer() *Renderer {
	return c.renderer
}

// Value returns a counter. NotRun is the total minus every status.
func (c *Category) Value(k Kind) int {
	switch {
	case k == KindNotRun:
		n := c.values[KindTotal]
		for s := KindNotRun + 1; s < Kind(model.StatusCount); s++ {
			n -= c.values[s]
		}

		return n
	case k > KindNotRun && k < kindCount:
		return c.values[k]
	default:
		return 0
	}
}

// Percent returns the counter as a percentage of the leaf's total.
func (c *Category) Percent(k Kind) float64 {
	return percent(c.Value(k), c.values[KindTotal])
}

// Subscribe registers fn for the changes of this leaf.
func (c *Category) Subscribe(fn func(Change)) (unsubscribe func()) {
	return c.renderer.all.bus.subscribe(func(ch Change) {
		if ch.Renderer == c.renderer.name && ch.Category == c.name {
			fn(ch)
		}
	})
}

// AddTest registers one more test in the leaf.
func (c *Category) AddTest(status model.TestStatus, ignored, outdated bool) {
	c.bump(KindTotal, 1)
	c.Add(status)

	if ignored {
		c.AddIgnored()
	}

	if outdated {
		c.AddOutdated()
	}
}

// RemoveTest withdraws a test registered with AddTest.
func (c *Category) RemoveTest(status model.TestStatus, ignored, outdated bool) {
	if outdated {
		c.RemoveOutdated()
	}

	if ignored {
		c.RemoveIgnored()
	}

	c.Remove(status)
	c.bump(KindTotal, -1)
}

// Add counts one more test in status. NotRun is derived and needs no counter.
func (c *Category) Add(status model.TestStatus) {
	if k := StatusKind(status); k.isStatus() {
		c.bump(k, 1)
	}
}

// Remove counts one less test in status.
func (c *Category) Remove(status model.TestStatus) {
	if k := StatusKind(status); k.isStatus() {
		c.bump(k, -1)
	}
}

// Move transfers one test between statuses. Moves between running
// frames are not counted.
func (c *Category) Move(from, to model.TestStatus) {
	if StatusKind(from) == StatusKind(to) {
		return
	}

	c.Remove(from)
	c.Add(to)
}

// AddIgnored counts one more ignored test.
func (c *Category) AddIgnored() { c.bump(KindIgnored, 1) }

// RemoveIgnored counts one less ignored test.
func (c *Category) RemoveIgnored() { c.bump(KindIgnored, -1) }

// AddOutdated counts one more outdated test.
func (c *Category) AddOutdated() { c.bump(KindOutdated, 1) }

// RemoveOutdated counts one less outdated test.
func (c *Category) RemoveOutdated() { c.bump(KindOutdated, -1) }

func (c *Category) bump(k Kind, delta int) {
	c.values[k] += delta

	b := c.renderer.all.bus
	b.publish(Change{Renderer: c.renderer.name, Category: c.name, Kind: k, Delta: delta})

	// The derived NotRun counter moves against statuses and with the total.
	switch {
	case k.isStatus():
		b.publish(Change{Renderer: c.renderer.name, Category: c.name, Kind: KindNotRun, Delta: -delta})
	case k == KindTotal:
		b.publish(Change{Renderer: c.renderer.name, Category: c.name, Kind: KindNotRun, Delta: delta})
	}
}

func percent(value, total int) float64 {
	if total == 0 {
		return 0
	}

	return float64(value) * 100 / float64(total)
}
