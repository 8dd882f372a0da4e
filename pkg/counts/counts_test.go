package counts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/aria/pkg/model"
)

func TestKindLayout(t *testing.T) {
	assert.Equal(t, Kind(model.StatusCount), KindIgnored)
	assert.Equal(t, KindIgnored+1, KindOutdated)
	assert.Equal(t, KindOutdated+1, KindTotal)

	assert.Equal(t, "NotRun", KindNotRun.String())
	assert.Equal(t, "Running", StatusKind(model.StatusRunningBegin+7).String())
	assert.Equal(t, "Outdated", KindOutdated.String())
	assert.Equal(t, StatusKind(model.StatusRunningBegin), StatusKind(model.StatusRunningEnd))
}

func TestSumLaw(t *testing.T) {
	all := New()

	vk := all.Renderer("vk")
	gl := all.Renderer("gl")

	vk.Category("Light").AddTest(model.StatusNegligible, false, false)
	vk.Category("Light").AddTest(model.StatusNotRun, true, false)
	vk.Category("Shadow").AddTest(model.StatusUnacceptable, false, true)
	gl.Category("Light").AddTest(model.StatusAcceptable, false, false)
	gl.Category("Light").AddTest(model.StatusRunningBegin+3, false, false)

	for _, k := range Kinds {
		t.Run(k.String(), func(t *testing.T) {
			sum := 0

			for _, r := range all.Renderers() {
				rsum := 0
				for _, c := range r.Categories() {
					rsum += c.Value(k)
				}

				assert.Equal(t, rsum, r.Value(k))
				sum += r.Value(k)
			}

			assert.Equal(t, sum, all.Value(k))
		})
	}

	assert.Equal(t, 5, all.Value(KindTotal))
	assert.Equal(t, 1, all.Value(KindNotRun))
	assert.Equal(t, 1, all.Value(StatusKind(model.StatusRunningEnd)))
	assert.Equal(t, 1, all.Value(KindIgnored))
	assert.Equal(t, 1, all.Value(KindOutdated))
	assert.InDelta(t, 20.0, all.Percent(KindNotRun), 0.001)
	assert.InDelta(t, 50.0, vk.Category("Light").Percent(StatusKind(model.StatusNegligible)), 0.001)
}

func TestNotRunDerived(t *testing.T) {
	all := New()
	leaf := all.Renderer("vk").Category("Light")

	for range 3 {
		leaf.AddTest(model.StatusNotRun, false, false)
	}

	assert.Equal(t, 3, leaf.Value(KindNotRun))

	leaf.Move(model.StatusNotRun, model.StatusRunningBegin)
	assert.Equal(t, 2, leaf.Value(KindNotRun))

	// Animation frames are one logical state.
	leaf.Move(model.StatusRunningBegin, model.StatusRunningBegin+1)
	assert.Equal(t, 1, leaf.Value(StatusKind(model.StatusRunningBegin)))

	leaf.Move(model.StatusRunningBegin+1, model.StatusAcceptable)
	assert.Equal(t, 2, leaf.Value(KindNotRun))
	assert.Equal(t, 0, leaf.Value(StatusKind(model.StatusRunningBegin)))
	assert.Equal(t, 1, leaf.Value(StatusKind(model.StatusAcceptable)))

	leaf.RemoveTest(model.StatusAcceptable, false, false)
	assert.Equal(t, 2, leaf.Value(KindTotal))
	assert.Equal(t, 2, leaf.Value(KindNotRun))
}

func TestPercentEmpty(t *testing.T) {
	all := New()

	assert.Zero(t, all.Percent(KindNotRun))
	assert.Zero(t, all.Renderer("vk").Percent(KindIgnored))
	assert.Zero(t, all.Renderer("vk").Category("Light").Percent(KindTotal))
}

func TestSubscribe(t *testing.T) {
	all := New()
	vk := all.Renderer("vk")
	gl := all.Renderer("gl")

	var (
		root   []Change
		render []Change
		leaf   []Change
	)

	unsubscribe := all.Subscribe(func(c Change) { root = append(root, c) })
	vk.Subscribe(func(c Change) { render = append(render, c) })
	vk.Category("Light").Subscribe(func(c Change) { leaf = append(leaf, c) })

	vk.Category("Light").AddTest(model.StatusNotRun, false, false)
	vk.Category("Shadow").AddIgnored()
	gl.Category("Light").AddOutdated()

	require.Len(t, root, 4)
	assert.Equal(t, Change{Renderer: "vk", Category: "Light", Kind: KindTotal, Delta: 1}, root[0])
	assert.Equal(t, Change{Renderer: "vk", Category: "Light", Kind: KindNotRun, Delta: 1}, root[1])
	assert.Equal(t, Change{Renderer: "vk", Category: "Shadow", Kind: KindIgnored, Delta: 1}, root[2])
	assert.Equal(t, Change{Renderer: "gl", Category: "Light", Kind: KindOutdated, Delta: 1}, root[3])

	assert.Len(t, render, 3)
	assert.Len(t, leaf, 2)

	vk.Category("Light").Move(model.StatusNotRun, model.StatusUnprocessed)
	require.Len(t, leaf, 4)
	assert.Equal(t, Change{Renderer: "vk", Category: "Light", Kind: StatusKind(model.StatusUnprocessed), Delta: 1}, leaf[2])
	assert.Equal(t, Change{Renderer: "vk", Category: "Light", Kind: KindNotRun, Delta: -1}, leaf[3])

	unsubscribe()
	vk.Category("Light").AddIgnored()
	assert.Len(t, root, 6)
	assert.Len(t, leaf, 5)
}

func TestSnapshot(t *testing.T) {
	all := New()
	all.Renderer("vk").Category("Shadow").AddTest(model.StatusAcceptable, false, false)
	all.Renderer("vk").Category("Light").AddTest(model.StatusNotRun, false, true)
	all.Renderer("gl").Category("Light").AddTest(model.StatusNotRun, false, true)

	s := all.Snapshot()

	assert.Empty(t, s.Name)
	assert.Equal(t, 3, s.Values["Total"])
	assert.Equal(t, 2, s.Values["NotRun"])
	assert.Equal(t, 2, s.Values["Outdated"])

	require.Len(t, s.Children, 2)
	assert.Equal(t, "gl", s.Children[0].Name)

	vk := s.Children[1]
	assert.Equal(t, "vk", vk.Name)
	assert.InDelta(t, 50.0, vk.Percent["Acceptable"], 0.001)

	require.Len(t, vk.Children, 2)
	assert.Equal(t, "Light", vk.Children[0].Name)
	assert.Equal(t, 1, vk.Children[1].Values["Acceptable"])
	assert.Empty(t, vk.Children[0].Children)
}
