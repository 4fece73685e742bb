package dbus

import (
	"fmt"
	"reflect"
	"sync"
	"unicode/utf8"

	"github.com/coriolis-labs/dbuscore/fragments"
)

// A Codec is the compiled form of a signature fragment. It knows its
// own wire alignment, its canonical signature substring, and how to
// marshal and unmarshal values of the shape it describes. Codecs are
// immutable and safely shared across goroutines once built.
type Codec interface {
	// Alignment is the codec's required byte alignment: 1, 2, 4, or 8.
	Alignment() int
	// Signature is the codec's canonical signature substring.
	Signature() string
	// Estimate returns an upper bound on the number of bytes Marshal
	// will write for v, including alignment padding. It is used to
	// presize output buffers; it is never relied on for correctness.
	Estimate(v any) int
	// Marshal writes v to enc, which must already be at enc's own
	// natural position (Marshal pads itself to Alignment first).
	Marshal(enc *fragments.Encoder, v any) error
	// Unmarshal reads one value from dec.
	Unmarshal(dec *fragments.Decoder) (any, error)
}

// codecCache interns compiled codecs by signature string, so that two
// requests for the same signature share one immutable codec tree
// instead of re-parsing and re-allocating.
var codecCache sync.Map // string -> []Codec, or string -> error

// CodecsFor parses sig and returns one compiled [Codec] per top-level
// type it contains. A method's argument list, or a message body, is
// such a list: CodecsFor("yi") returns two codecs, one for 'y' and one
// for 'i'.
func CodecsFor(sig string) ([]Codec, error) {
	if cached, ok := codecCache.Load(sig); ok {
		switch v := cached.(type) {
		case []Codec:
			return v, nil
		case error:
			return nil, v
		}
	}
	ret, err := parseCodecs(sig)
	if err != nil {
		codecCache.Store(sig, err)
		return nil, err
	}
	codecCache.Store(sig, ret)
	return ret, nil
}

// CodecFor parses sig, which must describe exactly one complete type,
// and returns its compiled codec.
func CodecFor(sig string) (Codec, error) {
	cs, err := CodecsFor(sig)
	if err != nil {
		return nil, err
	}
	if len(cs) != 1 {
		return nil, sigErr(sig, 0, fmt.Sprintf("expected exactly one complete type, got %d", len(cs)))
	}
	return cs[0], nil
}

// frameKind tags a partial container on the push-down parser's stack.
type frameKind int

const (
	frameRoot frameKind = iota
	frameStruct
	frameDict
	frameArray
)

// frame is one entry of the signature parser's stack of partial
// containers, per spec component 4.2.
type frame struct {
	kind  frameKind
	elems []Codec
}

// parseCodecs runs the single left-to-right scan over a push-down
// builder described in component 4.2: primitive tokens are delivered
// to the frame on top of the stack; 'a' pushes a frame that consumes
// exactly one upcoming complete type and wraps it in an array codec;
// '(' / '{' push a frame that accumulates elements until the matching
// ')' / '}'.
func parseCodecs(sig string) ([]Codec, error) {
	stack := []*frame{{kind: frameRoot}}

	// deliver hands a completed codec to the frame currently on top of
	// the stack. Delivering to an Array frame pops it, wraps the
	// codec, and re-delivers the wrapped array codec to the new top —
	// this is what makes "aas" parse right-associatively into
	// array-of-array-of-string.
	deliver := func(c Codec) error {
		for {
			top := stack[len(stack)-1]
			switch top.kind {
			case frameRoot, frameStruct, frameDict:
				top.elems = append(top.elems, c)
				return nil
			case frameArray:
				stack = stack[:len(stack)-1]
				c = newArrayCodec(c)
				continue
			default:
				panic("unreachable frame kind")
			}
		}
	}

	for i := 0; i < len(sig); i++ {
		ch := sig[i]
		switch ch {
		case 'a':
			stack = append(stack, &frame{kind: frameArray})
		case '(':
			stack = append(stack, &frame{kind: frameStruct})
		case '{':
			top := stack[len(stack)-1]
			if top.kind != frameArray {
				return nil, sigErr(sig, i, "dict entry type found outside array")
			}
			stack = append(stack, &frame{kind: frameDict})
		case ')':
			top := stack[len(stack)-1]
			if top.kind != frameStruct {
				return nil, sigErr(sig, i, "unmatched closing )")
			}
			if len(top.elems) == 0 {
				return nil, sigErr(sig, i, "empty struct type ()")
			}
			stack = stack[:len(stack)-1]
			if err := deliver(newStructCodec(top.elems)); err != nil {
				return nil, err
			}
		case '}':
			top := stack[len(stack)-1]
			if top.kind != frameDict {
				return nil, sigErr(sig, i, "unmatched closing }")
			}
			if len(top.elems) != 2 {
				return nil, sigErr(sig, i, "dict entry must have exactly one key and one value type")
			}
			key, val := top.elems[0], top.elems[1]
			if !isBasicSignature(key.Signature()) {
				return nil, sigErr(sig, i, fmt.Sprintf("dict entry key type %q is not a basic type", key.Signature()))
			}
			stack = stack[:len(stack)-1]
			if err := deliver(newDictEntryCodec(key, val)); err != nil {
				return nil, err
			}
		default:
			pc, ok := primitiveCodecs[ch]
			if !ok {
				return nil, sigErr(sig, i, fmt.Sprintf("unknown type code %q", ch))
			}
			if err := deliver(pc); err != nil {
				return nil, err
			}
		}
	}

	if len(stack) != 1 {
		top := stack[len(stack)-1]
		switch top.kind {
		case frameArray:
			return nil, sigErr(sig, len(sig), "trailing 'a' with no element type")
		case frameStruct:
			return nil, sigErr(sig, len(sig), "missing closing ) in struct definition")
		case frameDict:
			return nil, sigErr(sig, len(sig), "missing closing } in dict entry definition")
		}
	}

	return stack[0].elems, nil
}

// --- primitive codecs ---

type primitiveKind int

const (
	kindBool primitiveKind = iota
	kindUint8
	kindInt16
	kindUint16
	kindInt32
	kindUint32
	kindInt64
	kindUint64
	kindFloat64
)

type primitiveCodec struct {
	kind primitiveKind
	sig  string
	align int
}

func (p *primitiveCodec) Alignment() int   { return p.align }
func (p *primitiveCodec) Signature() string { return p.sig }

func (p *primitiveCodec) Estimate(v any) int {
	return 2*p.align - 1
}

// numericValue coerces v to an int64/uint64/float64 bit pattern via
// reflection, so that callers can supply plain Go numeric literals
// (e.g. a bare `7`) as well as exactly-typed values.
func numericValue(sig string, v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return reflect.Value{}, &MarshalError{sig, fmt.Errorf("nil value")}
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv, nil
	default:
		return reflect.Value{}, &MarshalError{sig, fmt.Errorf("value of type %T is not numeric", v)}
	}
}

func (p *primitiveCodec) Marshal(enc *fragments.Encoder, v any) error {
	if p.kind == kindBool {
		b, ok := v.(bool)
		if !ok {
			return &MarshalError{p.sig, fmt.Errorf("value of type %T is not a bool", v)}
		}
		enc.Bool(b)
		return nil
	}

	rv, err := numericValue(p.sig, v)
	if err != nil {
		return err
	}

	switch p.kind {
	case kindUint8:
		n, err := asUint(p.sig, rv, 8)
		if err != nil {
			return err
		}
		enc.Uint8(uint8(n))
	case kindInt16:
		n, err := asInt(p.sig, rv, 16)
		if err != nil {
			return err
		}
		enc.Int16(int16(n))
	case kindUint16:
		n, err := asUint(p.sig, rv, 16)
		if err != nil {
			return err
		}
		enc.Uint16(uint16(n))
	case kindInt32:
		n, err := asInt(p.sig, rv, 32)
		if err != nil {
			return err
		}
		enc.Int32(int32(n))
	case kindUint32:
		n, err := asUint(p.sig, rv, 32)
		if err != nil {
			return err
		}
		enc.Uint32(uint32(n))
	case kindInt64:
		n, err := asInt(p.sig, rv, 64)
		if err != nil {
			return err
		}
		enc.Int64(n)
	case kindUint64:
		n, err := asUint(p.sig, rv, 64)
		if err != nil {
			return err
		}
		enc.Uint64(n)
	case kindFloat64:
		enc.Float64(asFloat(rv))
	default:
		panic("unreachable primitive kind")
	}
	return nil
}

func asInt(sig string, rv reflect.Value, width int) (int64, error) {
	var n int64
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n = rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > 1<<63-1 {
			return 0, &MarshalError{sig, fmt.Errorf("value %d overflows int%d", u, width)}
		}
		n = int64(u)
	default:
		return 0, &MarshalError{sig, fmt.Errorf("value of kind %s is not an integer", rv.Kind())}
	}
	lo, hi := -(int64(1) << (width - 1)), int64(1)<<(width-1)-1
	if n < lo || n > hi {
		return 0, &MarshalError{sig, fmt.Errorf("value %d out of range for int%d", n, width)}
	}
	return n, nil
}

func asUint(sig string, rv reflect.Value, width int) (uint64, error) {
	var n uint64
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n = rv.Uint()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return 0, &MarshalError{sig, fmt.Errorf("negative value %d cannot fill uint%d", i, width)}
		}
		n = uint64(i)
	default:
		return 0, &MarshalError{sig, fmt.Errorf("value of kind %s is not an integer", rv.Kind())}
	}
	if width < 64 && n >= uint64(1)<<width {
		return 0, &MarshalError{sig, fmt.Errorf("value %d out of range for uint%d", n, width)}
	}
	return n, nil
}

func asFloat(rv reflect.Value) float64 {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	default:
		return float64(rv.Uint())
	}
}

func (p *primitiveCodec) Unmarshal(dec *fragments.Decoder) (any, error) {
	switch p.kind {
	case kindBool:
		return dec.Bool()
	case kindUint8:
		return dec.Uint8()
	case kindInt16:
		return dec.Int16()
	case kindUint16:
		return dec.Uint16()
	case kindInt32:
		return dec.Int32()
	case kindUint32:
		return dec.Uint32()
	case kindInt64:
		return dec.Int64()
	case kindUint64:
		return dec.Uint64()
	case kindFloat64:
		return dec.Float64()
	default:
		panic("unreachable primitive kind")
	}
}

var primitiveCodecs = map[byte]Codec{
	'y': &primitiveCodec{kindUint8, "y", 1},
	'b': &primitiveCodec{kindBool, "b", 4},
	'n': &primitiveCodec{kindInt16, "n", 2},
	'q': &primitiveCodec{kindUint16, "q", 2},
	'i': &primitiveCodec{kindInt32, "i", 4},
	'u': &primitiveCodec{kindUint32, "u", 4},
	'x': &primitiveCodec{kindInt64, "x", 8},
	't': &primitiveCodec{kindUint64, "t", 8},
	'd': &primitiveCodec{kindFloat64, "d", 8},
	's': stringCodec{},
	'o': objectPathCodec{},
	'g': signatureCodec{},
	'v': variantCodec{},
	'h': fileDescriptorCodec{},
}

// --- string-shaped codecs: s, o, g ---

type stringCodec struct{}

func (stringCodec) Alignment() int    { return 4 }
func (stringCodec) Signature() string { return "s" }
func (stringCodec) Estimate(v any) int {
	return 1 + 2*4 - 1 + len(toString(v))
}
func (stringCodec) Marshal(enc *fragments.Encoder, v any) error {
	s, ok := toStringOK(v)
	if !ok {
		return &MarshalError{"s", fmt.Errorf("value of type %T is not a string", v)}
	}
	if !utf8.ValidString(s) {
		return &MarshalError{"s", fmt.Errorf("value is not valid UTF-8")}
	}
	enc.String(s)
	return nil
}
func (stringCodec) Unmarshal(dec *fragments.Decoder) (any, error) { return dec.String() }

type objectPathCodec struct{}

func (objectPathCodec) Alignment() int    { return 4 }
func (objectPathCodec) Signature() string { return "o" }
func (objectPathCodec) Estimate(v any) int {
	return 1 + 2*4 - 1 + len(toString(v))
}
func (objectPathCodec) Marshal(enc *fragments.Encoder, v any) error {
	s, ok := toStringOK(v)
	if !ok {
		return &MarshalError{"o", fmt.Errorf("value of type %T is not an object path", v)}
	}
	if !ObjectPath(s).Valid() {
		return &MarshalError{"o", fmt.Errorf("malformed object path %q", s)}
	}
	enc.String(s)
	return nil
}
func (objectPathCodec) Unmarshal(dec *fragments.Decoder) (any, error) {
	s, err := dec.String()
	if err != nil {
		return nil, err
	}
	return ObjectPath(s), nil
}

type signatureCodec struct{}

func (signatureCodec) Alignment() int    { return 1 }
func (signatureCodec) Signature() string { return "g" }
func (signatureCodec) Estimate(v any) int {
	return 2 + len(toString(v))
}
func (signatureCodec) Marshal(enc *fragments.Encoder, v any) error {
	s, ok := toStringOK(v)
	if !ok {
		return &MarshalError{"g", fmt.Errorf("value of type %T is not a signature", v)}
	}
	if len(s) > 255 {
		return &MarshalError{"g", fmt.Errorf("signature %q is too long (%d bytes, max 255)", s, len(s))}
	}
	enc.Signature(s)
	return nil
}
func (signatureCodec) Unmarshal(dec *fragments.Decoder) (any, error) {
	s, err := dec.Signature()
	if err != nil {
		return nil, err
	}
	return Signature(s), nil
}

func toString(v any) string {
	s, _ := toStringOK(v)
	return s
}

func toStringOK(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case ObjectPath:
		return string(s), true
	case Signature:
		return string(s), true
	default:
		return "", false
	}
}

// --- struct codec ---

type structCodec struct {
	fields []Codec
	sig    string
}

func newStructCodec(fields []Codec) Codec {
	cs := make([]Codec, len(fields))
	copy(cs, fields)
	return &structCodec{cs, "(" + joinSignatures(cs) + ")"}
}

func (s *structCodec) Alignment() int    { return 8 }
func (s *structCodec) Signature() string { return s.sig }

func (s *structCodec) Estimate(v any) int {
	total := 7
	vals, _ := sequenceOf(v, len(s.fields))
	for i, f := range s.fields {
		if i < len(vals) {
			total += f.Estimate(vals[i])
		}
	}
	return total
}

func (s *structCodec) Marshal(enc *fragments.Encoder, v any) error {
	vals, err := sequenceOf(v, len(s.fields))
	if err != nil {
		return &MarshalError{s.sig, err}
	}
	return enc.Struct(func() error {
		for i, f := range s.fields {
			if err := f.Marshal(enc, vals[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *structCodec) Unmarshal(dec *fragments.Decoder) (any, error) {
	var ret []any
	err := dec.Struct(func() error {
		ret = make([]any, len(s.fields))
		for i, f := range s.fields {
			v, err := f.Unmarshal(dec)
			if err != nil {
				return fmt.Errorf("struct field %d: %w", i, err)
			}
			ret[i] = v
		}
		return nil
	})
	return ret, err
}

// sequenceOf views v as an ordered sequence of n values: either []any
// or any other slice/array reflect kind. This is how the Value
// contract's "ordered sequence for a and for (…)" is implemented.
func sequenceOf(v any, n int) ([]any, error) {
	if vs, ok := v.([]any); ok {
		if n >= 0 && len(vs) != n {
			return nil, fmt.Errorf("expected %d values, got %d", n, len(vs))
		}
		return vs, nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		if n <= 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("expected an ordered sequence of %d values, got nil", n)
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		l := rv.Len()
		if n >= 0 && l != n {
			return nil, fmt.Errorf("expected %d values, got %d", n, l)
		}
		ret := make([]any, l)
		for i := range ret {
			ret[i] = rv.Index(i).Interface()
		}
		return ret, nil
	default:
		return nil, fmt.Errorf("value of type %T is not an ordered sequence", v)
	}
}

// --- array codec ---

type arrayCodec struct {
	elem Codec
	sig  string
}

func newArrayCodec(elem Codec) Codec {
	return &arrayCodec{elem, "a" + elem.Signature()}
}

func (a *arrayCodec) Alignment() int    { return 4 }
func (a *arrayCodec) Signature() string { return a.sig }

func (a *arrayCodec) Estimate(v any) int {
	total := 2*4 - 1
	vals, _ := sequenceOf(v, -1)
	for _, elem := range vals {
		total += a.elem.Estimate(elem)
	}
	return total
}

func (a *arrayCodec) Marshal(enc *fragments.Encoder, v any) error {
	vals, err := sequenceOf(v, -1)
	if err != nil {
		return &MarshalError{a.sig, err}
	}
	return enc.Array(a.elem.Alignment(), func() error {
		for _, elem := range vals {
			if err := a.elem.Marshal(enc, elem); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *arrayCodec) Unmarshal(dec *fragments.Decoder) (any, error) {
	var ret []any
	_, err := dec.Array(a.elem.Alignment(), func(idx int) error {
		v, err := a.elem.Unmarshal(dec)
		if err != nil {
			return fmt.Errorf("array element %d: %w", idx, err)
		}
		ret = append(ret, v)
		return nil
	})
	if ret == nil {
		ret = []any{}
	}
	return ret, err
}

// --- extension points, specified but not filled: variant, dict entry, file descriptor ---

// dictEntryCodec describes the signature and alignment of a{KV}'s
// element type correctly, so that a signature containing a dict
// parses and can be introspected, but does not implement marshalling:
// dict/map value support is an explicit non-goal of this core.
type dictEntryCodec struct {
	key, val Codec
	sig      string
}

func newDictEntryCodec(key, val Codec) Codec {
	return &dictEntryCodec{key, val, "{" + key.Signature() + val.Signature() + "}"}
}

func (d *dictEntryCodec) Alignment() int    { return 8 }
func (d *dictEntryCodec) Signature() string { return d.sig }
func (d *dictEntryCodec) Estimate(v any) int { return 8 }
func (d *dictEntryCodec) Marshal(enc *fragments.Encoder, v any) error {
	return &MarshalError{d.sig, errNotImplemented}
}
func (d *dictEntryCodec) Unmarshal(dec *fragments.Decoder) (any, error) {
	return nil, &ProtocolError{fmt.Sprintf("decoding dict entry %s: %s", d.sig, errNotImplemented)}
}

// variantCodec describes 'v' correctly (alignment 1) so that
// signatures containing a variant parse, but does not implement
// marshalling: variant value support is an explicit non-goal.
type variantCodec struct{}

func (variantCodec) Alignment() int     { return 1 }
func (variantCodec) Signature() string  { return "v" }
func (variantCodec) Estimate(v any) int  { return 2 }
func (variantCodec) Marshal(enc *fragments.Encoder, v any) error {
	return &MarshalError{"v", errNotImplemented}
}
func (variantCodec) Unmarshal(dec *fragments.Decoder) (any, error) {
	return nil, &ProtocolError{"decoding variant: " + errNotImplemented.Error()}
}

// fileDescriptorCodec describes 'h' correctly (alignment 4, wire
// shape identical to uint32) so that signatures mentioning file
// descriptors parse, but does not implement passing them: FD support
// is an explicit non-goal.
type fileDescriptorCodec struct{}

func (fileDescriptorCodec) Alignment() int    { return 4 }
func (fileDescriptorCodec) Signature() string { return "h" }
func (fileDescriptorCodec) Estimate(v any) int { return 7 }
func (fileDescriptorCodec) Marshal(enc *fragments.Encoder, v any) error {
	return &MarshalError{"h", errNotImplemented}
}
func (fileDescriptorCodec) Unmarshal(dec *fragments.Decoder) (any, error) {
	return nil, &ProtocolError{"decoding file descriptor: " + errNotImplemented.Error()}
}
