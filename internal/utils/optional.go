package utils

// FirstSet returns the first non-nil value, or fallback when every pointer
// is nil. Providers report the same optional claim under different names.
func FirstSet[T any](fallback T, values ...*T) T {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return fallback
}
