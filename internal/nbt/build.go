package nbt

import "encoding/binary"

// Field constructors. These cover the shapes the converters and tests need;
// arbitrary nesting comes in through CompoundField/ListField composition.

func header(tag byte, name string) []byte {
	out := make([]byte, 0, 3+len(name))
	out = append(out, tag)
	out = binary.BigEndian.AppendUint16(out, uint16(len(name)))
	out = append(out, name...)
	return out
}

func ByteField(name string, v int8) Field {
	return Field{Name: name, Raw: append(header(TagByte, name), byte(v))}
}

func IntField(name string, v int32) Field {
	return Field{Name: name, Raw: binary.BigEndian.AppendUint32(header(TagInt, name), uint32(v))}
}

func LongField(name string, v int64) Field {
	return Field{Name: name, Raw: binary.BigEndian.AppendUint64(header(TagLong, name), uint64(v))}
}

func StringField(name, v string) Field {
	raw := binary.BigEndian.AppendUint16(header(TagString, name), uint16(len(v)))
	return Field{Name: name, Raw: append(raw, v...)}
}

func IntArrayField(name string, vs []int32) Field {
	raw := binary.BigEndian.AppendUint32(header(TagIntArray, name), uint32(len(vs)))
	for _, v := range vs {
		raw = binary.BigEndian.AppendUint32(raw, uint32(v))
	}
	return Field{Name: name, Raw: raw}
}

// ListField builds a list of compound payloads, the shape of entity and
// block-entity lists. Each element is given as its inner fields.
func ListField(name string, elements ...[]Field) Field {
	raw := header(TagList, name)
	if len(elements) == 0 {
		raw = append(raw, TagEnd)
		raw = binary.BigEndian.AppendUint32(raw, 0)
		return Field{Name: name, Raw: raw}
	}
	raw = append(raw, TagCompound)
	raw = binary.BigEndian.AppendUint32(raw, uint32(len(elements)))
	for _, elem := range elements {
		for _, f := range elem {
			raw = append(raw, f.Raw...)
		}
		raw = append(raw, TagEnd)
	}
	return Field{Name: name, Raw: raw}
}

func CompoundField(name string, fields ...Field) Field {
	raw := header(TagCompound, name)
	for _, f := range fields {
		raw = append(raw, f.Raw...)
	}
	raw = append(raw, TagEnd)
	return Field{Name: name, Raw: raw}
}

// Rename re-labels a field without touching its payload. Used by the
// era converters when only the field name changed between schemas.
func Rename(f Field, name string) Field {
	if len(f.Raw) == 0 {
		return Field{Name: name}
	}
	payload := f.Raw[3+len(f.Name):]
	raw := append(header(f.Raw[0], name), payload...)
	return Field{Name: name, Raw: raw}
}

// NewDocument builds a document from scratch, mostly for tests and the
// dump CLI.
func NewDocument(name string, fields ...Field) *Document {
	doc := &Document{Name: name}
	for _, f := range fields {
		doc.Set(f)
	}
	return doc
}
