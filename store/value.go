package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind int8

const (
	None Kind = iota
	Int
	Float
	String
	Bool
)

var kindNames = map[Kind]string{
	None:   "none",
	Int:    "int",
	Float:  "float",
	String: "string",
	Bool:   "bool",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return None, fmt.Errorf("unknown kind %q", s)
}

var ErrBadValue = errors.New("bad value")

// Value is a tagged union of the types the table can hold.
// The zero Value is the None variant, which stands for "nothing stored here".
//
// Values are comparable with ==.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
}

func IntValue(i int64) Value     { return Value{kind: Int, i: i} }
func FloatValue(f float64) Value { return Value{kind: Float, f: f} }
func StringValue(s string) Value { return Value{kind: String, s: s} }
func BoolValue(b bool) Value     { return Value{kind: Bool, b: b} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNone() bool { return v.kind == None }

func (v Value) Int() (int64, bool)     { return v.i, v.kind == Int }
func (v Value) Float() (float64, bool) { return v.f, v.kind == Float }
func (v Value) Str() (string, bool)    { return v.s, v.kind == String }
func (v Value) Bool() (bool, bool)     { return v.b, v.kind == Bool }

func (v Value) String() string {
	switch v.kind {
	case Int:
		return strconv.FormatInt(v.i, 10)
	case Float:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case String:
		return v.s
	case Bool:
		return strconv.FormatBool(v.b)
	}
	return "<none>"
}

// ParseValue converts text into a Value of the given kind.
func ParseValue(k Kind, text string) (Value, error) {
	switch k {
	case None:
		return Value{}, nil
	case Int:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrBadValue, err)
		}
		return IntValue(i), nil
	case Float:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrBadValue, err)
		}
		return FloatValue(f), nil
	case String:
		return StringValue(text), nil
	case Bool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrBadValue, err)
		}
		return BoolValue(b), nil
	}
	return Value{}, fmt.Errorf("%w: kind %v", ErrBadValue, k)
}

type jsonValue struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	jv := jsonValue{Type: v.kind.String()}
	switch v.kind {
	case Int:
		jv.Value = v.i
	case Float:
		jv.Value = v.f
	case String:
		jv.Value = v.s
	case Bool:
		jv.Value = v.b
	}
	return json.Marshal(jv)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	k, err := ParseKind(raw.Type)
	if err != nil {
		return err
	}
	switch k {
	case None:
		*v = Value{}
		return nil
	case Int:
		var i int64
		err = json.Unmarshal(raw.Value, &i)
		*v = IntValue(i)
	case Float:
		var f float64
		err = json.Unmarshal(raw.Value, &f)
		*v = FloatValue(f)
	case String:
		var s string
		err = json.Unmarshal(raw.Value, &s)
		*v = StringValue(s)
	case Bool:
		var t bool
		err = json.Unmarshal(raw.Value, &t)
		*v = BoolValue(t)
	}
	return err
}
