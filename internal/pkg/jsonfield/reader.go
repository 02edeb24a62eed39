// Package jsonfield walks JSON objects with property-name dispatch tables.
//
// A Reader is positioned before a value. Object consumes one object and hands the
// value of every known property to its Handler; unknown properties are skipped
// as a whole, nested containers included. All parse failures wrap ErrInvalidState.
package jsonfield

import (
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// ErrInvalidState is returned for malformed input, unexpected value kinds and
// input that ends in the middle of a value.
var ErrInvalidState = errors.New("jsonfield: invalid json state")

// api is shared by every Reader; it carries no per-parse state.
var api = jsoniter.Config{EscapeHTML: false}.Froze()

// Handler consumes the value following a matched property name.
type Handler func(r *Reader) error

// Fields is a dispatch table keyed by property name.
type Fields map[string]Handler

// Reader is a pull-style reader over a caller-owned buffer.
// Values returned by the reader never alias the buffer.
type Reader struct {
	iter *jsoniter.Iterator
}

// NewReader returns a Reader positioned before the first value in data.
func NewReader(data []byte) *Reader {
	return &Reader{iter: jsoniter.ParseBytes(api, data)}
}

// Decode walks a single top-level object in data and rejects trailing content.
func Decode(data []byte, fields Fields) error {
	r := NewReader(data)
	if err := r.Object(fields); err != nil {
		return err
	}
	return r.End()
}

// End reports an error unless only whitespace remains.
func (r *Reader) End() error {
	if r.iter.Error != nil {
		return r.err("value")
	}
	next := r.iter.WhatIsNext()
	// An exhausted buffer is flagged as io.EOF, which is the expected outcome here.
	if next == jsoniter.InvalidValue && errors.Is(r.iter.Error, io.EOF) {
		r.iter.Error = nil
		return nil
	}
	return fmt.Errorf("%w: trailing %s after top-level value", ErrInvalidState, kindName(next))
}

// Object consumes one object (or null), dispatching known properties to fields.
func (r *Reader) Object(fields Fields) error {
	if err := r.expect(jsoniter.ObjectValue); err != nil {
		return err
	}

	var herr error
	r.iter.ReadObjectCB(func(it *jsoniter.Iterator, name string) bool {
		h, ok := fields[name]
		if !ok {
			it.Skip()
			return it.Error == nil
		}
		if herr = h(r); herr != nil {
			return false
		}
		return it.Error == nil
	})

	if herr != nil {
		return herr
	}
	return r.err("object")
}

// Each consumes one object (or null) whose property names are data, calling fn per property.
func (r *Reader) Each(fn func(name string, r *Reader) error) error {
	if err := r.expect(jsoniter.ObjectValue); err != nil {
		return err
	}

	var herr error
	r.iter.ReadObjectCB(func(it *jsoniter.Iterator, name string) bool {
		if herr = fn(name, r); herr != nil {
			return false
		}
		return it.Error == nil
	})

	if herr != nil {
		return herr
	}
	return r.err("object")
}

// Array consumes one array (or null), calling fn once per element.
func (r *Reader) Array(fn func(r *Reader) error) error {
	if err := r.expect(jsoniter.ArrayValue); err != nil {
		return err
	}

	var herr error
	r.iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
		if herr = fn(r); herr != nil {
			return false
		}
		return it.Error == nil
	})

	if herr != nil {
		return herr
	}
	return r.err("array")
}

// String reads a string value. null yields "".
func (r *Reader) String() (string, error) {
	if err := r.expect(jsoniter.StringValue); err != nil {
		return "", err
	}
	if r.iter.ReadNil() {
		return "", nil
	}
	s := r.iter.ReadString()
	return s, r.err("string")
}

// Raw reads a string value and returns its body exactly as it appears on the
// wire, escapes intact and without the surrounding quotes. null yields nil.
func (r *Reader) Raw() ([]byte, error) {
	if err := r.expect(jsoniter.StringValue); err != nil {
		return nil, err
	}
	if r.iter.ReadNil() {
		return nil, nil
	}
	quoted := r.iter.SkipAndReturnBytes()
	if err := r.err("string"); err != nil {
		return nil, err
	}
	if len(quoted) < 2 {
		return nil, fmt.Errorf("%w: truncated string", ErrInvalidState)
	}
	return quoted[1 : len(quoted)-1], nil
}

// Int64 reads a number value. null yields 0.
func (r *Reader) Int64() (int64, error) {
	if err := r.expect(jsoniter.NumberValue); err != nil {
		return 0, err
	}
	if r.iter.ReadNil() {
		return 0, nil
	}
	v := r.iter.ReadInt64()
	return v, r.err("number")
}

// Int32 reads a number value that must fit in 32 bits. null yields 0.
func (r *Reader) Int32() (int32, error) {
	if err := r.expect(jsoniter.NumberValue); err != nil {
		return 0, err
	}
	if r.iter.ReadNil() {
		return 0, nil
	}
	v := r.iter.ReadInt32()
	return v, r.err("number")
}

// Null consumes the next value and returns true if it is null. Otherwise the
// reader is left where it was.
func (r *Reader) Null() bool {
	if r.iter.Error != nil || r.iter.WhatIsNext() != jsoniter.NilValue {
		return false
	}
	return r.iter.ReadNil()
}

// Capture consumes one value of any kind and returns its JSON text.
func (r *Reader) Capture() ([]byte, error) {
	v := r.iter.SkipAndReturnBytes()
	if err := r.err("value"); err != nil {
		return nil, err
	}
	return v, nil
}

// Skip consumes exactly one value of any kind.
func (r *Reader) Skip() error {
	r.iter.Skip()
	return r.err("value")
}

// expect checks the kind of the next value; null is accepted for every kind.
func (r *Reader) expect(want jsoniter.ValueType) error {
	if r.iter.Error != nil {
		return r.err(kindName(want))
	}
	got := r.iter.WhatIsNext()
	if got == want || got == jsoniter.NilValue {
		return nil
	}
	if got == jsoniter.InvalidValue {
		if r.iter.Error != nil {
			return r.err(kindName(want))
		}
		return fmt.Errorf("%w: expected %s, input exhausted or malformed", ErrInvalidState, kindName(want))
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrInvalidState, kindName(want), kindName(got))
}

func (r *Reader) err(what string) error {
	if r.iter.Error == nil {
		return nil
	}
	return fmt.Errorf("%w: reading %s: %v", ErrInvalidState, what, r.iter.Error)
}

func kindName(t jsoniter.ValueType) string {
	switch t {
	case jsoniter.StringValue:
		return "string"
	case jsoniter.NumberValue:
		return "number"
	case jsoniter.NilValue:
		return "null"
	case jsoniter.BoolValue:
		return "bool"
	case jsoniter.ArrayValue:
		return "array"
	case jsoniter.ObjectValue:
		return "object"
	default:
		return "invalid value"
	}
}
