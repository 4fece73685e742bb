package dbus

import "strings"

// Signature is a DBus type signature: a string over the alphabet
// {y,b,n,q,i,u,x,t,d,s,o,g,v,h,a,(,),{,}} describing one or more
// marshalled values. It is itself a DBus basic type (wire code 'g'),
// used for header field 8 and as the discriminator of a variant.
type Signature string

// String returns the signature's wire string.
func (s Signature) String() string { return string(s) }

// ParseSignature validates sig against DBus signature grammar
// (balanced parens/braces, non-empty structs and dicts, dict form
// always a{KV} with K a basic type, no unknown type codes) and
// returns it as a Signature. The codec tree it builds while validating
// is discarded, not cached or returned; use [CodecsFor] for that.
func ParseSignature(sig string) (Signature, error) {
	if _, err := parseCodecs(sig); err != nil {
		return "", err
	}
	return Signature(sig), nil
}

// mustParseSignature panics if sig is malformed. Used for signatures
// that are fixed at compile time (e.g. the Hello call's empty body).
func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// isBasicSignature reports whether sig is exactly one basic
// (non-container) type, as required of dict entry keys.
func isBasicSignature(sig string) bool {
	if len(sig) != 1 {
		return false
	}
	switch sig[0] {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g':
		return true
	default:
		return false
	}
}

func sigErr(sig string, index int, reason string) error {
	return &SignatureError{Signature: sig, Index: index, Reason: reason}
}

// joinSignatures concatenates the wire signatures of a list of
// codecs, in order. Used to compute a message body's SIGNATURE header
// field from its argument codecs.
func joinSignatures(codecs []Codec) string {
	var b strings.Builder
	for _, c := range codecs {
		b.WriteString(c.Signature())
	}
	return b.String()
}
