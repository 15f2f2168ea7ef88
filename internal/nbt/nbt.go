// Package nbt implements the chunk-document codec used by the migration
// engine. A document is the root compound of a binary NBT blob, split into
// its named top-level fields. Field payloads are kept as raw encoded bytes:
// the merge engine only ever needs byte-exact equality and whole-field
// substitution, so nothing below the top level is modelled. Splitting still
// requires walking nested payloads to find where each field ends, which is
// what the skip table below does.
package nbt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag ids of the binary format. Fixed by the external ecosystem.
const (
	TagEnd       = 0x00
	TagByte      = 0x01
	TagShort     = 0x02
	TagInt       = 0x03
	TagLong      = 0x04
	TagFloat     = 0x05
	TagDouble    = 0x06
	TagByteArray = 0x07
	TagString    = 0x08
	TagList      = 0x09
	TagCompound  = 0x0a
	TagIntArray  = 0x0b
	TagLongArray = 0x0c
)

// ErrMalformed marks any structural decode failure. Callers test with
// errors.Is; the wrapped message carries the byte offset.
var ErrMalformed = errors.New("malformed document")

// Field is one named top-level entry of a document. Raw holds the complete
// encoding (tag id, name, payload), so two fields are identical exactly when
// their Raw bytes are.
type Field struct {
	Name string
	Raw  []byte
}

// Tag returns the field's tag id.
func (f Field) Tag() byte {
	if len(f.Raw) == 0 {
		return TagEnd
	}
	return f.Raw[0]
}

// Equal reports whether two fields have identical encoded bytes.
func (f Field) Equal(o Field) bool {
	return bytes.Equal(f.Raw, o.Raw)
}

// Document is a decoded chunk document: the root compound's name plus its
// fields in on-disk order.
type Document struct {
	Name   string
	fields []Field
}

// Decode splits an uncompressed NBT blob into a Document. The root must be
// a named compound.
func Decode(b []byte) (*Document, error) {
	d := decoder{buf: b}
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}
	if tag != TagCompound {
		return nil, fmt.Errorf("nbt: %w: root tag 0x%02x, want compound", ErrMalformed, tag)
	}
	name, err := d.str()
	if err != nil {
		return nil, err
	}
	doc := &Document{Name: name}
	for {
		start := d.off
		tag, err := d.u8()
		if err != nil {
			return nil, err
		}
		if tag == TagEnd {
			break
		}
		fieldName, err := d.str()
		if err != nil {
			return nil, err
		}
		if err := d.skipPayload(tag); err != nil {
			return nil, err
		}
		doc.fields = append(doc.fields, Field{Name: fieldName, Raw: d.buf[start:d.off]})
	}
	if d.off != len(d.buf) {
		return nil, fmt.Errorf("nbt: %w: %d trailing bytes after root compound", ErrMalformed, len(d.buf)-d.off)
	}
	return doc, nil
}

// Encode reassembles the document. The inverse of Decode for any document
// that Decode produced.
func (doc *Document) Encode() ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("nbt: encode nil document")
	}
	n := 1 + 2 + len(doc.Name) + 1
	for _, f := range doc.fields {
		n += len(f.Raw)
	}
	out := make([]byte, 0, n)
	out = append(out, TagCompound)
	out = binary.BigEndian.AppendUint16(out, uint16(len(doc.Name)))
	out = append(out, doc.Name...)
	for _, f := range doc.fields {
		if len(f.Raw) == 0 {
			return nil, fmt.Errorf("nbt: encode: field %q has empty encoding", f.Name)
		}
		out = append(out, f.Raw...)
	}
	out = append(out, TagEnd)
	return out, nil
}

// Fields returns the field list in document order. The slice is shared; do
// not mutate.
func (doc *Document) Fields() []Field { return doc.fields }

// Get returns the named field's raw encoding, or nil when absent.
func (doc *Document) Get(name string) []byte {
	for _, f := range doc.fields {
		if f.Name == name {
			return f.Raw
		}
	}
	return nil
}

// GetField returns the named field itself, ok=false when absent.
func (doc *Document) GetField(name string) (Field, bool) {
	for _, f := range doc.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Has reports whether the named field exists.
func (doc *Document) Has(name string) bool { return doc.Get(name) != nil }

// Set inserts or replaces a field, keeping document order for replacements
// and appending new fields.
func (doc *Document) Set(f Field) {
	for i := range doc.fields {
		if doc.fields[i].Name == f.Name {
			doc.fields[i] = f
			return
		}
	}
	doc.fields = append(doc.fields, f)
}

// Remove deletes the named field if present.
func (doc *Document) Remove(name string) {
	for i := range doc.fields {
		if doc.fields[i].Name == name {
			doc.fields = append(doc.fields[:i], doc.fields[i+1:]...)
			return
		}
	}
}

// Clone deep-copies the document so callers can edit it without touching
// the source buffers.
func (doc *Document) Clone() *Document {
	out := &Document{Name: doc.Name, fields: make([]Field, len(doc.fields))}
	for i, f := range doc.fields {
		raw := make([]byte, len(f.Raw))
		copy(raw, f.Raw)
		out.fields[i] = Field{Name: f.Name, Raw: raw}
	}
	return out
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) need(n int) error {
	if d.off+n > len(d.buf) {
		return fmt.Errorf("nbt: %w: unexpected end of input at offset %d (need %d bytes)", ErrMalformed, d.off, n)
	}
	return nil
}

func (d *decoder) u8() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) i32() (int32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(d.buf[d.off:]))
	d.off += 4
	return v, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *decoder) skip(n int) error {
	if err := d.need(n); err != nil {
		return err
	}
	d.off += n
	return nil
}

// skipPayload advances past one payload of the given tag.
func (d *decoder) skipPayload(tag byte) error {
	switch tag {
	case TagByte:
		return d.skip(1)
	case TagShort:
		return d.skip(2)
	case TagInt, TagFloat:
		return d.skip(4)
	case TagLong, TagDouble:
		return d.skip(8)
	case TagByteArray:
		n, err := d.i32()
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("nbt: %w: negative byte array length %d", ErrMalformed, n)
		}
		return d.skip(int(n))
	case TagString:
		_, err := d.str()
		return err
	case TagList:
		elem, err := d.u8()
		if err != nil {
			return err
		}
		n, err := d.i32()
		if err != nil {
			return err
		}
		if n < 0 {
			n = 0
		}
		if elem == TagEnd && n > 0 {
			return fmt.Errorf("nbt: %w: non-empty list of end tags", ErrMalformed)
		}
		for i := 0; i < int(n); i++ {
			if err := d.skipPayload(elem); err != nil {
				return err
			}
		}
		return nil
	case TagCompound:
		for {
			sub, err := d.u8()
			if err != nil {
				return err
			}
			if sub == TagEnd {
				return nil
			}
			if _, err := d.str(); err != nil {
				return err
			}
			if err := d.skipPayload(sub); err != nil {
				return err
			}
		}
	case TagIntArray:
		n, err := d.i32()
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("nbt: %w: negative int array length %d", ErrMalformed, n)
		}
		return d.skip(int(n) * 4)
	case TagLongArray:
		n, err := d.i32()
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("nbt: %w: negative long array length %d", ErrMalformed, n)
		}
		return d.skip(int(n) * 8)
	}
	return fmt.Errorf("nbt: %w: unknown tag 0x%02x at offset %d", ErrMalformed, tag, d.off)
}
