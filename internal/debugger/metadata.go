package debugger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/ctagard/adbg/internal/jdwp"
)

// ErrUnknownType is returned when no loaded type has the requested name
var ErrUnknownType = errors.New("type not loaded")

// TypeInfo describes a loaded reference type
type TypeInfo struct {
	Name       string
	Signature  string
	Type       jdwp.ReferenceTypeID
	Kind       jdwp.TypeTag
	SourceFile string
	Fields     []jdwp.Field
	Methods    []jdwp.Method
}

func (d *Debugger) methods(ctx context.Context, s *session, typ jdwp.ReferenceTypeID) ([]jdwp.Method, error) {
	return memoize(ctx, s.memo, memoKey{kind: "methods", typ: typ}, func(ctx context.Context) ([]jdwp.Method, error) {
		return jdwp.Do(ctx, s.conn, jdwp.RefTypeMethods(typ))
	})
}

func (d *Debugger) fields(ctx context.Context, s *session, typ jdwp.ReferenceTypeID) ([]jdwp.Field, error) {
	return memoize(ctx, s.memo, memoKey{kind: "fields", typ: typ}, func(ctx context.Context) ([]jdwp.Field, error) {
		return jdwp.Do(ctx, s.conn, jdwp.RefTypeFields(typ))
	})
}

func (d *Debugger) lineTable(ctx context.Context, s *session, typ jdwp.ReferenceTypeID, m jdwp.MethodID) (jdwp.LineTable, error) {
	return memoize(ctx, s.memo, memoKey{kind: "lines", typ: typ, member: uint64(m)}, func(ctx context.Context) (jdwp.LineTable, error) {
		return jdwp.Do(ctx, s.conn, jdwp.MethodLineTable(typ, m))
	})
}

func (d *Debugger) variableTable(ctx context.Context, s *session, typ jdwp.ReferenceTypeID, m jdwp.MethodID) (jdwp.VariableTable, error) {
	return memoize(ctx, s.memo, memoKey{kind: "variables", typ: typ, member: uint64(m)}, func(ctx context.Context) (jdwp.VariableTable, error) {
		return jdwp.Do(ctx, s.conn, jdwp.MethodVariableTable(typ, m))
	})
}

func (d *Debugger) signature(ctx context.Context, s *session, typ jdwp.ReferenceTypeID) (string, error) {
	return memoize(ctx, s.memo, memoKey{kind: "signature", typ: typ}, func(ctx context.Context) (string, error) {
		return jdwp.Do(ctx, s.conn, jdwp.RefTypeSignature(typ))
	})
}

func (d *Debugger) sourceFile(ctx context.Context, s *session, typ jdwp.ReferenceTypeID) (string, error) {
	return memoize(ctx, s.memo, memoKey{kind: "source", typ: typ}, func(ctx context.Context) (string, error) {
		return jdwp.Do(ctx, s.conn, jdwp.RefTypeSourceFile(typ))
	})
}

func (d *Debugger) superclass(ctx context.Context, s *session, c jdwp.ClassID) (jdwp.ClassID, error) {
	return memoize(ctx, s.memo, memoKey{kind: "super", typ: jdwp.ReferenceTypeID(c)}, func(ctx context.Context) (jdwp.ClassID, error) {
		return jdwp.Do(ctx, s.conn, jdwp.ClassSuperclass(c))
	})
}

// Methods lists the methods declared by typ
func (d *Debugger) Methods(ctx context.Context, typ jdwp.ReferenceTypeID) ([]jdwp.Method, error) {
	s, err := d.session("methods")
	if err != nil {
		return nil, err
	}
	return d.methods(ctx, s, typ)
}

// Fields lists the fields declared by typ
func (d *Debugger) Fields(ctx context.Context, typ jdwp.ReferenceTypeID) ([]jdwp.Field, error) {
	s, err := d.session("fields")
	if err != nil {
		return nil, err
	}
	return d.fields(ctx, s, typ)
}

func (d *Debugger) LineTable(ctx context.Context, typ jdwp.ReferenceTypeID, m jdwp.MethodID) (jdwp.LineTable, error) {
	s, err := d.session("line table")
	if err != nil {
		return jdwp.LineTable{}, err
	}
	return d.lineTable(ctx, s, typ, m)
}

func (d *Debugger) VariableTable(ctx context.Context, typ jdwp.ReferenceTypeID, m jdwp.MethodID) (jdwp.VariableTable, error) {
	s, err := d.session("variable table")
	if err != nil {
		return jdwp.VariableTable{}, err
	}
	return d.variableTable(ctx, s, typ, m)
}

// SuperType returns the superclass of c, or 0 for java.lang.Object
func (d *Debugger) SuperType(ctx context.Context, c jdwp.ClassID) (jdwp.ClassID, error) {
	s, err := d.session("super type")
	if err != nil {
		return 0, err
	}
	return d.superclass(ctx, s, c)
}

// GetTypeInfo describes the loaded type with the given dotted name or JNI
// signature. Types the session has not seen are looked up on the VM.
func (d *Debugger) GetTypeInfo(ctx context.Context, name string) (TypeInfo, error) {
	s, err := d.session("type info")
	if err != nil {
		return TypeInfo{}, err
	}
	sig := nameToSignature(name)

	d.mu.Lock()
	c, ok := s.loaded[sig]
	d.mu.Unlock()
	if !ok {
		found, err := jdwp.Do(ctx, s.conn, jdwp.VMClassesBySignature(sig))
		if err != nil {
			return TypeInfo{}, err
		}
		if len(found) == 0 {
			return TypeInfo{}, fmt.Errorf("%s: %w", name, ErrUnknownType)
		}
		c = found[0]
		d.mu.Lock()
		s.loaded[sig] = c
		d.mu.Unlock()
	}
	return d.describe(ctx, s, c)
}

func (d *Debugger) describe(ctx context.Context, s *session, c jdwp.ClassInfo) (TypeInfo, error) {
	info := TypeInfo{
		Name:      signatureToName(c.Signature),
		Signature: c.Signature,
		Type:      c.Type,
		Kind:      c.Kind,
	}
	var err error
	if info.Fields, err = d.fields(ctx, s, c.Type); err != nil {
		return TypeInfo{}, err
	}
	if info.Methods, err = d.methods(ctx, s, c.Type); err != nil {
		return TypeInfo{}, err
	}
	src, err := d.sourceFile(ctx, s, c.Type)
	switch {
	case err == nil:
		info.SourceFile = src
	case jdwp.IsCode(err, jdwp.ErrAbsentInformation):
	default:
		return TypeInfo{}, err
	}
	return info, nil
}

// AllClasses refreshes the loaded-class set from the VM and returns it
// sorted by name. prefix, when set, keeps only names starting with it.
func (d *Debugger) AllClasses(ctx context.Context, prefix string) ([]jdwp.ClassInfo, error) {
	s, err := d.session("all classes")
	if err != nil {
		return nil, err
	}
	classes, err := jdwp.Do(ctx, s.conn, jdwp.VMAllClasses())
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	for _, c := range classes {
		if _, ok := s.loaded[c.Signature]; !ok {
			s.loaded[c.Signature] = c
		}
	}
	d.mu.Unlock()

	classes = lo.Filter(classes, func(c jdwp.ClassInfo, _ int) bool {
		return strings.HasPrefix(signatureToName(c.Signature), prefix)
	})
	sortClasses(classes)
	return classes, nil
}

// findMethod returns the named method of typ. An empty signature matches
// the first method with that name.
func (d *Debugger) findMethod(ctx context.Context, s *session, typ jdwp.ReferenceTypeID, name, signature string) (jdwp.Method, bool, error) {
	methods, err := d.methods(ctx, s, typ)
	if err != nil {
		return jdwp.Method{}, false, err
	}
	m, ok := lo.Find(methods, func(m jdwp.Method) bool {
		return m.Name == name && (signature == "" || m.Signature == signature)
	})
	return m, ok, nil
}

// FindMethod looks a method up by name along the superclass chain of c
func (d *Debugger) FindMethod(ctx context.Context, c jdwp.ClassID, name, signature string) (jdwp.ClassID, jdwp.Method, error) {
	s, err := d.session("find method")
	if err != nil {
		return 0, jdwp.Method{}, err
	}
	for cls := c; cls != 0; {
		m, ok, err := d.findMethod(ctx, s, jdwp.ReferenceTypeID(cls), name, signature)
		if err != nil {
			return 0, jdwp.Method{}, err
		}
		if ok {
			return cls, m, nil
		}
		if cls, err = d.superclass(ctx, s, cls); err != nil {
			return 0, jdwp.Method{}, err
		}
	}
	return 0, jdwp.Method{}, fmt.Errorf("method %s not found", name)
}
