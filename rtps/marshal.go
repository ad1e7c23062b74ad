package rtps

import (
	"encoding/binary"
	"fmt"
)

// Marshaller converts application samples to and from their serialized
// form. Key returns the instance key of a sample; unkeyed topics return nil.
type Marshaller interface {
	Key(v any) ([]byte, error)
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte) (any, error)
}

// schemer is implemented by marshallers whose output is not plain CDR_LE.
type schemer interface {
	Scheme() uint16
}

func marshalScheme(m Marshaller) uint16 {
	if s, ok := m.(schemer); ok {
		return s.Scheme()
	}
	return SCHEME_CDR_LE
}

// BytesMarshaller passes []byte samples through untouched. All samples
// belong to one instance.
type BytesMarshaller struct{}

func (BytesMarshaller) Key(v any) ([]byte, error) {
	return nil, nil
}

func (BytesMarshaller) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("rtps: BytesMarshaller cannot marshal %T", v)
}

func (BytesMarshaller) Unmarshal(b []byte) (any, error) {
	return append([]byte(nil), b...), nil
}

// StringMarshaller serializes a string as a little endian CDR string, the
// layout of a ROS 2 std_msgs/String sample. All samples belong to one instance.
type StringMarshaller struct{}

func (StringMarshaller) Key(v any) ([]byte, error) {
	return nil, nil
}

func (StringMarshaller) Marshal(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("rtps: StringMarshaller cannot marshal %T", v)
	}
	return packParamString(binary.LittleEndian, s), nil
}

func (StringMarshaller) Unmarshal(b []byte) (any, error) {
	p := paramListItem{value: b}
	return p.valToString(binary.LittleEndian)
}
