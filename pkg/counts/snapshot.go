package counts

// Snapshot is a copy of one node and its children.
type Snapshot struct {
	Name     string             `json:"name,omitempty"`
	Values   map[string]int     `json:"values"`
	Percent  map[string]float64 `json:"percent"`
	Children []Snapshot         `json:"children,omitempty"`
}

type node interface {
	Value(k Kind) int
	Percent(k Kind) float64
}

func snapshot(name string, n node) Snapshot {
	s := Snapshot{
		Name:    name,
		Values:  make(map[string]int, len(Kinds)),
		Percent: make(map[string]float64, len(Kinds)),
	}

	for _, k := range Kinds {
		s.Values[k.String()] = n.Value(k)
		s.Percent[k.String()] = n.Percent(k)
	}

	return s
}

// Snapshot copies the whole tree.
func (a *All) Snapshot() Snapshot {
	s := snapshot("", a)

	for _, r := range a.Renderers() {
		s.Children = append(s.Children, r.Snapshot())
	}

	return s
}

// Snapshot copies the renderer and its categories.
func (r *Renderer) Snapshot() Snapshot {
	s := snapshot(r.Name(), r)

	for _, c := range r.Categories() {
		s.Children = append(s.Children, snapshot(c.Name(), c))
	}

	return s
}
