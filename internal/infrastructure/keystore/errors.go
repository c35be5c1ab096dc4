package keystore

import "errors"

// Domain-specific errors for TLS material loading.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnsupportedType is returned for any store type other than PKCS#12.
	ErrUnsupportedType = errors.New("keystore: unsupported store type")

	// ErrUnreadable is returned when a store file cannot be opened or read.
	ErrUnreadable = errors.New("keystore: store not readable")

	// ErrMaterial is returned when a store is malformed, holds no usable
	// certificates or keys, or the password does not match.
	ErrMaterial = errors.New("keystore: invalid store material")
)
