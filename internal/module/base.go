package module

// Base provides the identity half of Builtin so modules only implement
// Activate.
type Base struct {
	info Info
}

// NewBase seeds the helper with module info.
func NewBase(info Info) Base {
	return Base{info: info}
}

// Info implements Builtin.Info.
func (b Base) Info() Info {
	return b.info
}
