package dbus

// Variant holds a dynamically typed DBus value, discriminated on the
// wire by a signature header. Marshalling and unmarshalling a Variant
// is a specified extension point (component 4.2) that this core does
// not implement: see the 'v' entry in [primitiveCodecs]. The type is
// kept so that interfaces and properties described in terms of
// variants have somewhere to name their value.
type Variant struct {
	Value any
}
