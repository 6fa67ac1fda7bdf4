// Package dclass is the opaque type-catalog oracle spec section 1
// deliberately keeps outside the core: "given a class number, enumerate
// fields and their flags" and "pack/unpack a field's argument tuple to/from
// bytes." The SS/CA/DB core treats any Catalog implementation as a black
// box; this package also ships a minimal in-memory Catalog so the rest of
// the cluster has a real collaborator to call in tests and at runtime.
package dclass

import "fmt"

// FieldFlags mirrors the per-field flags named in spec section 1: required,
// broadcast, ownsend, clsend, ram, db, airecv.
type FieldFlags struct {
	Required  bool
	Broadcast bool
	OwnSend   bool
	ClSend    bool
	Ram       bool
	DB        bool
	AIRecv    bool

	HasDefaultValue bool
	DefaultValue    []byte
}

// Field describes one declared field of a distributed class.
type Field struct {
	Number uint16
	Name   string
	Flags  FieldFlags
}

// Class describes one distributed class: its inherited field list in
// declaration order (spec section 4.2.1, "walks the class's inherited
// field list in declaration order").
type Class struct {
	Number uint16
	Name   string
	Fields []Field
}

// RequiredFields returns the class's fields flagged Required, in
// declaration order (spec invariant I-O2).
func (c Class) RequiredFields() []Field {
	var out []Field
	for _, f := range c.Fields {
		if f.Flags.Required {
			out = append(out, f)
		}
	}
	return out
}

// FieldByNumber finds a field by its wire number.
func (c Class) FieldByNumber(number uint16) (Field, bool) {
	for _, f := range c.Fields {
		if f.Number == number {
			return f, true
		}
	}
	return Field{}, false
}

// Catalog is the oracle the core consumes: class lookup plus field
// argument pack/unpack. The core never parses a .dc file itself.
type Catalog interface {
	ClassByNumber(number uint16) (Class, bool)
	// Unpack validates that payload is a well-formed argument tuple for
	// the given field (spec section 4.2.3: "Unpack the payload once").
	// The in-memory implementation treats any byte string as valid; a
	// real catalog would decode according to the field's declared type.
	Unpack(field Field, payload []byte) error
}

// MemCatalog is a minimal in-memory Catalog, addressed by class number.
type MemCatalog struct {
	classes map[uint16]Class
}

// NewMemCatalog builds a catalog from a fixed class list.
func NewMemCatalog(classes ...Class) *MemCatalog {
	m := &MemCatalog{classes: make(map[uint16]Class, len(classes))}
	for _, c := range classes {
		m.classes[c.Number] = c
	}
	return m
}

func (m *MemCatalog) ClassByNumber(number uint16) (Class, bool) {
	c, ok := m.classes[number]
	return c, ok
}

// Unpack is a permissive validator: a zero-length payload is always valid
// (spec section 4.2.3, "tolerating a zero-length 'no args' update used for
// signaling"); any other payload is accepted as-is since this core does
// not know field wire types, only the external catalog does.
func (m *MemCatalog) Unpack(field Field, payload []byte) error {
	_ = field
	_ = payload
	return nil
}

// ErrUnknownClass is returned by helpers that need a registered class.
type ErrUnknownClass struct{ Number uint16 }

func (e ErrUnknownClass) Error() string {
	return fmt.Sprintf("dclass: unknown class number %d", e.Number)
}
