// Package ptr has small generic helpers for optional values.
package ptr

// Deref returns *p, or the zero value of T when p is nil.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}

	return *p
}

// Of returns a pointer to a copy of v.
func Of[T any](v T) *T { return &v }
