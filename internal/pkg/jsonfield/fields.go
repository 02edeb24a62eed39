package jsonfield

import (
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// String stores a string value in dst.
func String(dst *string) Handler {
	return func(r *Reader) error {
		v, err := r.String()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// Bytes stores the decoded contents of a string value in dst.
func Bytes(dst *[]byte) Handler {
	return func(r *Reader) error {
		v, err := r.String()
		if err != nil {
			return err
		}
		*dst = []byte(v)
		return nil
	}
}

// Raw stores the still-escaped body of a string value in dst.
func Raw(dst *[]byte) Handler {
	return func(r *Reader) error {
		v, err := r.Raw()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// Int32 stores a 32-bit number value in dst.
func Int32(dst *int32) Handler {
	return func(r *Reader) error {
		v, err := r.Int32()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// Int64 stores a number value in dst.
func Int64(dst *int64) Handler {
	return func(r *Reader) error {
		v, err := r.Int64()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// Object descends into a nested object with its own table.
func Object(fields Fields) Handler {
	return func(r *Reader) error {
		return r.Object(fields)
	}
}

// Array calls fn for each element of a nested array.
func Array(fn func(r *Reader) error) Handler {
	return func(r *Reader) error {
		return r.Array(fn)
	}
}

// Each calls fn for each property of a nested object with data-valued names.
func Each(fn func(name string, r *Reader) error) Handler {
	return func(r *Reader) error {
		return r.Each(fn)
	}
}

// Skip ignores the value.
func Skip(r *Reader) error {
	return r.Skip()
}

// Unescape decodes the body of a JSON string literal (no surrounding quotes)
// into a fresh buffer, using JSON escape rules.
func Unescape(raw []byte) ([]byte, error) {
	quoted := make([]byte, 0, len(raw)+2)
	quoted = append(quoted, '"')
	quoted = append(quoted, raw...)
	quoted = append(quoted, '"')

	it := jsoniter.ParseBytes(api, quoted)
	s := it.ReadString()
	if it.Error != nil {
		return nil, fmt.Errorf("%w: unescape: %v", ErrInvalidState, it.Error)
	}
	// An unescaped quote inside raw ends the literal early.
	if it.WhatIsNext() != jsoniter.InvalidValue || !errors.Is(it.Error, io.EOF) {
		return nil, fmt.Errorf("%w: unescape: unescaped quote in string body", ErrInvalidState)
	}
	return []byte(s), nil
}
