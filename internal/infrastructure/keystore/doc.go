// Package keystore loads TLS trust and key material from PKCS#12 stores.
//
// PKCS#12 is the only supported format. The type names "PKCS12" and "P12"
// are accepted case-insensitively and an empty type means PKCS12; anything
// else (including "JKS") fails with ErrUnsupportedType rather than falling
// back to a different format.
//
// Errors distinguish a store that cannot be read (ErrUnreadable) from one
// whose contents or password are wrong (ErrMaterial).
package keystore
