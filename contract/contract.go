// Package contract implements interface descriptors, the remote-interface
// validation rule, and the method table used for dispatch.
//
// A Descriptor identifies a Go interface type and the remote interfaces it
// extends (embeds). An interface qualifies as remote only if every method
// in its full extension closure declares that it can fail, i.e. has a
// trailing result of type error — the Go rendering of "declares the
// framework fault". Both stub and skeleton construction validate their
// interface up front, so a non-remote interface is rejected immediately
// rather than at the first remote call.
//
// A Table maps method name + parameter-type signature to an invocable
// handle. It is built once at construction time; the wire protocol's
// (method, signature) pair is a plain lookup key into it, replacing any
// per-call reflective resolution.
package contract

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Descriptor identifies an interface type and the remote interfaces it
// extends. Descriptors are immutable after construction.
type Descriptor struct {
	name    string
	typ     reflect.Type
	extends []*Descriptor
}

// Describe builds a Descriptor for the interface type T. The extends list
// names the remote interfaces T embeds; T must implement each of them.
//
//	echo, err := contract.Describe[Echo]()
func Describe[T any](extends ...*Descriptor) (*Descriptor, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Interface {
		return nil, fmt.Errorf("contract: %s is not an interface type", typ)
	}
	if typ.Name() == "" {
		return nil, fmt.Errorf("contract: anonymous interface types cannot be described")
	}
	for _, e := range extends {
		if e == nil {
			return nil, fmt.Errorf("contract: %s: nil extended descriptor", typ.Name())
		}
		if !typ.Implements(e.typ) {
			return nil, fmt.Errorf("contract: %s does not extend %s", typ.Name(), e.name)
		}
	}
	return &Descriptor{name: typ.Name(), typ: typ, extends: extends}, nil
}

// Name returns the interface's name, as carried on the wire.
func (d *Descriptor) Name() string { return d.name }

// Type returns the described Go interface type.
func (d *Descriptor) Type() reflect.Type { return d.typ }

// Covers reports whether name identifies this interface or any interface
// in its extension closure. The skeleton uses it to validate the target
// interface named by an incoming request: a stub built against an
// extended interface still reaches the same skeleton.
func (d *Descriptor) Covers(name string) bool {
	if d.name == name {
		return true
	}
	for _, e := range d.extends {
		if e.Covers(name) {
			return true
		}
	}
	return false
}

// declaredBy returns the descriptor in the extension closure that declares
// the named method: the deepest extended interface whose type carries it,
// or d itself when the method is declared directly.
func (d *Descriptor) declaredBy(methodName string) *Descriptor {
	for _, e := range d.extends {
		if _, ok := e.typ.MethodByName(methodName); ok {
			return e.declaredBy(methodName)
		}
	}
	return d
}

// IsRemote reports whether d describes a remote interface: an interface
// type every one of whose methods, transitively through the interfaces it
// extends, declares a trailing error result.
func IsRemote(d *Descriptor) bool {
	return Validate(d) == nil
}

// Validate is IsRemote with a descriptive reason. A failure anywhere in
// the extension chain fails the whole check.
func Validate(d *Descriptor) error {
	if d == nil {
		return fmt.Errorf("contract: nil descriptor")
	}
	if d.typ.Kind() != reflect.Interface {
		return fmt.Errorf("contract: %s is not an interface type", d.typ)
	}
	for _, e := range d.extends {
		if err := Validate(e); err != nil {
			return fmt.Errorf("contract: %s extends a non-remote interface: %w", d.name, err)
		}
	}
	// The interface's reflected method set is the full extension closure,
	// so methods inherited from an undeclared embedding are checked too.
	for i := 0; i < d.typ.NumMethod(); i++ {
		m := d.typ.Method(i)
		if m.Type.NumOut() == 0 || m.Type.Out(m.Type.NumOut()-1) != errorType {
			return fmt.Errorf("contract: %s.%s does not declare an error result", d.name, m.Name)
		}
	}
	return nil
}

// Method is one entry of a method table: a remote method's identity plus
// the type information needed to decode its arguments and invoke it.
type Method struct {
	name       string
	paramTypes []string // wire type tags, one per parameter
	params     []reflect.Type
	hasResult  bool // one value result before the trailing error
	declaredBy *Descriptor
}

// Name returns the method's name.
func (m *Method) Name() string { return m.name }

// ParamTypes returns the ordered parameter-type signature as wire tags.
func (m *Method) ParamTypes() []string { return m.paramTypes }

// DeclaredBy returns the descriptor that declares this method — the
// interface name a stub puts on the wire when invoking it.
func (m *Method) DeclaredBy() *Descriptor { return m.declaredBy }

// Key renders the table lookup key, e.g. "Lookup(string,int)".
func (m *Method) Key() string {
	return methodKey(m.name, m.paramTypes)
}

// DecodeArgs unmarshals the wire argument values into the method's
// parameter types, ready to be passed to Invoke.
func (m *Method) DecodeArgs(args []json.RawMessage) ([]reflect.Value, error) {
	if len(args) != len(m.params) {
		return nil, fmt.Errorf("contract: %s: got %d arguments, want %d", m.Key(), len(args), len(m.params))
	}
	in := make([]reflect.Value, len(args))
	for i, raw := range args {
		pv := reflect.New(m.params[i])
		if err := json.Unmarshal(raw, pv.Interface()); err != nil {
			return nil, fmt.Errorf("contract: %s: argument %d: %w", m.Key(), i, err)
		}
		in[i] = pv.Elem()
	}
	return in, nil
}

func methodKey(name string, paramTypes []string) string {
	return name + "(" + strings.Join(paramTypes, ",") + ")"
}

// Table is the per-interface method table, built once from a descriptor.
type Table struct {
	desc    *Descriptor
	methods map[string]*Method
}

// NewTable builds the method table for a remote interface. It rejects
// non-remote interfaces and method shapes the wire protocol cannot carry:
// variadic parameters and more than one value result before the error.
func NewTable(d *Descriptor) (*Table, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}
	t := &Table{desc: d, methods: make(map[string]*Method)}
	for i := 0; i < d.typ.NumMethod(); i++ {
		m := d.typ.Method(i)
		if m.Type.IsVariadic() {
			return nil, fmt.Errorf("contract: %s.%s: variadic methods are not supported", d.name, m.Name)
		}
		if m.Type.NumOut() > 2 {
			return nil, fmt.Errorf("contract: %s.%s: at most one result before the error is supported", d.name, m.Name)
		}
		params := make([]reflect.Type, m.Type.NumIn())
		tags := make([]string, m.Type.NumIn())
		for j := 0; j < m.Type.NumIn(); j++ {
			params[j] = m.Type.In(j)
			tags[j] = m.Type.In(j).String()
		}
		entry := &Method{
			name:       m.Name,
			paramTypes: tags,
			params:     params,
			hasResult:  m.Type.NumOut() == 2,
			declaredBy: d.declaredBy(m.Name),
		}
		t.methods[entry.Key()] = entry
	}
	return t, nil
}

// Descriptor returns the descriptor the table was built from.
func (t *Table) Descriptor() *Descriptor { return t.desc }

// Lookup resolves a method by name and parameter-type signature.
func (t *Table) Lookup(method string, paramTypes []string) (*Method, bool) {
	m, ok := t.methods[methodKey(method, paramTypes)]
	return m, ok
}

// LookupByName resolves a method by name alone. It fails when the name is
// unknown; interfaces here cannot overload, so the name is unambiguous.
func (t *Table) LookupByName(method string) (*Method, bool) {
	for _, m := range t.methods {
		if m.name == method {
			return m, true
		}
	}
	return nil, false
}

// Bind checks that impl implements the table's interface and binds every
// method to it, producing the invocable handles used by a skeleton.
func (t *Table) Bind(impl any) (*BoundTable, error) {
	if impl == nil {
		return nil, fmt.Errorf("contract: %s: nil implementation", t.desc.name)
	}
	iv := reflect.ValueOf(impl)
	if !iv.Type().Implements(t.desc.typ) {
		return nil, fmt.Errorf("contract: %s does not implement %s", iv.Type(), t.desc.name)
	}
	b := &BoundTable{table: t, handles: make(map[string]reflect.Value, len(t.methods))}
	for key, m := range t.methods {
		b.handles[key] = iv.MethodByName(m.name)
	}
	return b, nil
}

// BoundTable is a method table bound to a backing implementation.
type BoundTable struct {
	table   *Table
	handles map[string]reflect.Value
}

// Lookup resolves a bound method by name and parameter-type signature.
func (b *BoundTable) Lookup(method string, paramTypes []string) (*BoundMethod, bool) {
	key := methodKey(method, paramTypes)
	m, ok := b.table.methods[key]
	if !ok {
		return nil, false
	}
	return &BoundMethod{Method: m, fn: b.handles[key]}, true
}

// BoundMethod is a single invocable handle on the backing implementation.
type BoundMethod struct {
	*Method
	fn reflect.Value
}

// Invoke calls the backing method with already-decoded arguments. It
// returns the method's value result (nil for void methods) and the error
// the method itself returned — the business fault channel.
func (m *BoundMethod) Invoke(args []reflect.Value) (any, error) {
	results := m.fn.Call(args)
	errv := results[len(results)-1]
	if !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if m.hasResult {
		return results[0].Interface(), nil
	}
	return nil, nil
}
