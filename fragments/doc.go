// Package fragments provides the low-level byte cursor used to build
// and parse DBus wire messages.
//
// The encoder and decoder here do not know any DBus semantics beyond
// alignment and basic scalar widths. It is the signature-driven codec
// tree in the parent package that turns these primitives into a
// correctly framed DBus message.
package fragments
