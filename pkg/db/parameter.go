package db

import "fmt"

// Parameter is a statement bind slot. Every change to its value is pushed
// to the owning statement through the updater.
type Parameter struct {
	name    string
	index   int
	ptype   ParameterType
	value   *Value
	updater func(*Parameter)
}

// NewParameter creates a standalone parameter. index is the 1-based bind
// position and updater, when set, runs after every value change.
func NewParameter(
	name string,
	index int,
	kind FieldType,
	limit uint32,
	ptype ParameterType,
	updater func(*Parameter),
) (*Parameter, error) {
	if ptype < ParameterIn || ptype >= parameterTypeCount {
		return nil, fmt.Errorf("parameter %s: invalid direction %s", name, ptype)
	}

	value, err := NewValue(kind, limit)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", name, err)
	}

	return &Parameter{
		name:    name,
		index:   index,
		ptype:   ptype,
		value:   value,
		updater: updater,
	}, nil
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Index returns the 1-based bind position.
func (p *Parameter) Index() int {
	return p.index
}

// Type returns the parameter direction.
func (p *Parameter) Type() ParameterType {
	return p.ptype
}

// Kind returns the parameter's field type.
func (p *Parameter) Kind() FieldType {
	return p.value.kind
}

// Value exposes the current value for reading.
func (p *Parameter) Value() *Value {
	return p.value
}

// SetValue stores x and re-syncs the bind slot.
func (p *Parameter) SetValue(x any) error {
	if err := p.value.SetValue(x); err != nil {
		return fmt.Errorf("parameter %s: %w", p.name, err)
	}

	p.update()

	return nil
}

// SetNull clears the value and re-syncs the bind slot.
func (p *Parameter) SetNull() {
	p.value.SetNull()
	p.update()
}

// IsNull reports whether the value is NULL.
func (p *Parameter) IsNull() bool {
	return p.value.IsNull()
}

// bindable reports whether the parameter maps to a `?` placeholder.
func (p *Parameter) bindable() bool {
	return p.ptype == ParameterIn || p.ptype == ParameterInOut
}

// fetched reports whether the parameter is read back after execution.
func (p *Parameter) fetched() bool {
	return p.ptype == ParameterOut || p.ptype == ParameterInOut
}

func (p *Parameter) update() {
	if p.updater != nil {
		p.updater(p)
	}
}
