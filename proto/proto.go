package proto

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/UBCSailbot/network-table/store"
)

var ErrMalformed = errors.New("malformed message")

// IsControl reports whether frame is the control message s. A trailing NUL
// is tolerated; older peers sent control messages as C strings.
func IsControl(frame []byte, s string) bool {
	return string(bytes.TrimSuffix(frame, []byte{0})) == s
}

// UnknownRequest is the rendezvous reply to anything other than Connect.
func UnknownRequest(body []byte) string {
	return "error unknown request: " + string(bytes.TrimSuffix(body, []byte{0}))
}

// Field numbers. These are the wire format; do not renumber.
const (
	valueKind   = 1
	valueInt    = 2
	valueFloat  = 3
	valueString = 4
	valueBool   = 5

	nodeValue    = 1
	nodeChildren = 2
	nodeDir      = 3

	entryKey   = 1
	entryValue = 2

	reqTag    = 1
	reqVerb   = 2
	reqPath   = 3
	reqValue  = 4
	reqValues = 5
	reqPaths  = 6

	repTag    = 1
	repType   = 2
	repPath   = 3
	repValue  = 4
	repValues = 5
	repNodes  = 6
	repErr    = 7

	errKind    = 1
	errMessage = 2
)

func MarshalRequest(r *Request) []byte {
	var b []byte
	b = appendVarint(b, reqTag, uint64(r.Tag))
	b = appendVarint(b, reqVerb, uint64(r.Verb))
	if r.Path != "" {
		b = protowire.AppendTag(b, reqPath, protowire.BytesType)
		b = protowire.AppendString(b, r.Path)
	}
	if r.Verb == SetValue {
		b = protowire.AppendTag(b, reqValue, protowire.BytesType)
		b = protowire.AppendBytes(b, appendValue(nil, r.Value))
	}
	b = appendValues(b, reqValues, r.Values)
	for _, p := range r.Paths {
		b = protowire.AppendTag(b, reqPaths, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	return b
}

func UnmarshalRequest(b []byte) (*Request, error) {
	r := new(Request)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == reqTag && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Tag = int32(v)
			return n, nil
		case num == reqVerb && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Verb = Verb(v)
			return n, nil
		case num == reqPath && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			r.Path = s
			return n, nil
		case num == reqValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			val, err := unmarshalValue(v)
			r.Value = val
			return n, err
		case num == reqValues && typ == protowire.BytesType:
			if r.Values == nil {
				r.Values = make(map[string]store.Value)
			}
			return consumeValueEntry(b, r.Values)
		case num == reqPaths && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n >= 0 {
				r.Paths = append(r.Paths, s)
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func MarshalReply(r *Reply) []byte {
	var b []byte
	b = appendVarint(b, repTag, uint64(r.Tag))
	b = appendVarint(b, repType, uint64(r.Type))
	if r.Path != "" {
		b = protowire.AppendTag(b, repPath, protowire.BytesType)
		b = protowire.AppendString(b, r.Path)
	}
	if r.Type == GetValueReply || r.Type == SubscribeReply {
		b = protowire.AppendTag(b, repValue, protowire.BytesType)
		b = protowire.AppendBytes(b, appendValue(nil, r.Value))
	}
	b = appendValues(b, repValues, r.Values)
	for _, k := range sortedKeys(r.Nodes) {
		var e []byte
		e = protowire.AppendTag(e, entryKey, protowire.BytesType)
		e = protowire.AppendString(e, k)
		e = protowire.AppendTag(e, entryValue, protowire.BytesType)
		e = protowire.AppendBytes(e, appendNode(nil, r.Nodes[k]))
		b = protowire.AppendTag(b, repNodes, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	if r.Err != nil {
		var e []byte
		e = appendVarint(e, errKind, uint64(r.Err.Kind))
		if r.Err.Message != "" {
			e = protowire.AppendTag(e, errMessage, protowire.BytesType)
			e = protowire.AppendString(e, r.Err.Message)
		}
		b = protowire.AppendTag(b, repErr, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func UnmarshalReply(b []byte) (*Reply, error) {
	r := new(Reply)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == repTag && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Tag = int32(v)
			return n, nil
		case num == repType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Type = ReplyType(v)
			return n, nil
		case num == repPath && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			r.Path = s
			return n, nil
		case num == repValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			val, err := unmarshalValue(v)
			r.Value = val
			return n, err
		case num == repValues && typ == protowire.BytesType:
			if r.Values == nil {
				r.Values = make(map[string]store.Value)
			}
			return consumeValueEntry(b, r.Values)
		case num == repNodes && typ == protowire.BytesType:
			if r.Nodes == nil {
				r.Nodes = make(map[string]store.Node)
			}
			return consumeNodeEntry(b, r.Nodes)
		case num == repErr && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := unmarshalError(v)
			r.Err = e
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// walk calls f for each field in b. f returns the number of bytes of the
// field's value it consumed, 0 to have the field skipped, or a negative
// protowire error code.
func walk(b []byte, f func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := f(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendValue(b []byte, v store.Value) []byte {
	b = appendVarint(b, valueKind, uint64(v.Kind()))
	switch v.Kind() {
	case store.Int:
		i, _ := v.Int()
		b = protowire.AppendTag(b, valueInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(i))
	case store.Float:
		f, _ := v.Float()
		b = protowire.AppendTag(b, valueFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f))
	case store.String:
		s, _ := v.Str()
		b = protowire.AppendTag(b, valueString, protowire.BytesType)
		b = protowire.AppendString(b, s)
	case store.Bool:
		t, _ := v.Bool()
		b = protowire.AppendTag(b, valueBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(t))
	}
	return b
}

func unmarshalValue(b []byte) (store.Value, error) {
	var (
		kind store.Kind
		i    int64
		f    float64
		s    string
		t    bool
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == valueKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			kind = store.Kind(v)
			return n, nil
		case num == valueInt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			i = protowire.DecodeZigZag(v)
			return n, nil
		case num == valueFloat && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			f = math.Float64frombits(v)
			return n, nil
		case num == valueString && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s = v
			return n, nil
		case num == valueBool && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			t = protowire.DecodeBool(v)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return store.Value{}, err
	}

	switch kind {
	case store.None:
		return store.Value{}, nil
	case store.Int:
		return store.IntValue(i), nil
	case store.Float:
		return store.FloatValue(f), nil
	case store.String:
		return store.StringValue(s), nil
	case store.Bool:
		return store.BoolValue(t), nil
	}
	return store.Value{}, fmt.Errorf("%w: value kind %d", ErrMalformed, kind)
}

func appendNode(b []byte, n store.Node) []byte {
	if n.IsLeaf() {
		b = protowire.AppendTag(b, nodeValue, protowire.BytesType)
		return protowire.AppendBytes(b, appendValue(nil, n.Value))
	}
	b = protowire.AppendTag(b, nodeDir, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	for _, name := range n.Names() {
		var e []byte
		e = protowire.AppendTag(e, entryKey, protowire.BytesType)
		e = protowire.AppendString(e, name)
		e = protowire.AppendTag(e, entryValue, protowire.BytesType)
		e = protowire.AppendBytes(e, appendNode(nil, n.Children[name]))
		b = protowire.AppendTag(b, nodeChildren, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func unmarshalNode(b []byte) (store.Node, error) {
	var (
		val      store.Value
		dir      bool
		children map[string]store.Node
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == nodeValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var err error
			val, err = unmarshalValue(v)
			return n, err
		case num == nodeDir && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			dir = protowire.DecodeBool(v)
			return n, nil
		case num == nodeChildren && typ == protowire.BytesType:
			if children == nil {
				children = make(map[string]store.Node)
			}
			return consumeNodeEntry(b, children)
		}
		return 0, nil
	})
	if err != nil {
		return store.Node{}, err
	}
	if dir || children != nil {
		return store.Dir(children), nil
	}
	return store.Leaf(val), nil
}

func unmarshalError(b []byte) (*Error, error) {
	e := new(Error)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == errKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Kind = ErrorKind(v)
			return n, nil
		case num == errMessage && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			e.Message = s
			return n, nil
		}
		return 0, nil
	})
	return e, err
}

func appendValues(b []byte, num protowire.Number, m map[string]store.Value) []byte {
	for _, k := range sortedKeys(m) {
		var e []byte
		e = protowire.AppendTag(e, entryKey, protowire.BytesType)
		e = protowire.AppendString(e, k)
		e = protowire.AppendTag(e, entryValue, protowire.BytesType)
		e = protowire.AppendBytes(e, appendValue(nil, m[k]))
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// consumeEntry decodes one map entry message and hands its raw value to f.
func consumeEntry(b []byte, f func(key string, v []byte) error) (int, error) {
	e, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	var (
		key string
		val []byte
	)
	err := walk(e, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == entryKey && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(b)
			key = s
			return m, nil
		case num == entryValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			val = v
			return m, nil
		}
		return 0, nil
	})
	if err != nil {
		return n, err
	}
	return n, f(key, val)
}

func consumeValueEntry(b []byte, into map[string]store.Value) (int, error) {
	return consumeEntry(b, func(key string, v []byte) error {
		val, err := unmarshalValue(v)
		into[key] = val
		return err
	})
}

func consumeNodeEntry(b []byte, into map[string]store.Node) (int, error) {
	return consumeEntry(b, func(key string, v []byte) error {
		n, err := unmarshalNode(v)
		into[key] = n
		return err
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
