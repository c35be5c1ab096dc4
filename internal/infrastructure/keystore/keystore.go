package keystore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Supported store type names.
const (
	TypePKCS12 = "PKCS12"
	TypeP12    = "P12"
)

// Store locates a PKCS#12 file and its secrets.
type Store struct {
	Path     string
	Password string

	// KeyPassword protects the private key when it differs from Password.
	KeyPassword string

	Type string
}

// IsZero reports whether no store was configured.
func (s Store) IsZero() bool {
	return s.Path == ""
}

// CheckType validates a store type name.
func CheckType(storeType string) error {
	switch strings.ToUpper(strings.TrimSpace(storeType)) {
	case "", TypePKCS12, TypeP12:
		return nil
	default:
		return fmt.Errorf("%w: %q (only PKCS12 is supported)", ErrUnsupportedType, storeType)
	}
}

// LoadTrustPool reads every certificate in a PKCS#12 trust store into a pool.
func LoadTrustPool(path, password, storeType string) (*x509.CertPool, error) {
	data, err := readStore(path, storeType)
	if err != nil {
		return nil, err
	}

	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: reading trust store %q: %w", ErrMaterial, path, err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: trust store %q holds no certificates", ErrMaterial, path)
	}

	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

// LoadKeyPair reads a private key and its certificate chain from a PKCS#12
// key store.
//
// PKCS#12 uses one password for the whole file in most tooling; when keyPassword
// is set and differs, decoding is retried with it.
func LoadKeyPair(path, storePassword, keyPassword, storeType string) (tls.Certificate, error) {
	data, err := readStore(path, storeType)
	if err != nil {
		return tls.Certificate{}, err
	}

	key, leaf, chain, err := pkcs12.DecodeChain(data, storePassword)
	if err != nil && keyPassword != "" && keyPassword != storePassword {
		key, leaf, chain, err = pkcs12.DecodeChain(data, keyPassword)
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"%w: unable to recover key from %q, check the key store and private key passwords: %w",
			ErrMaterial, path, err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert, nil
}

// TLSConfig assembles a client TLS configuration.
//
// A zero trust store uses the system roots. A zero key store presents no
// client certificate. With skipHostnameVerify the server chain is still
// verified against the roots but its name is not checked.
func TLSConfig(trust, key Store, skipHostnameVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if !trust.IsZero() {
		pool, err := LoadTrustPool(trust.Path, trust.Password, trust.Type)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if !key.IsZero() {
		cert, err := LoadKeyPair(key.Path, key.Password, key.KeyPassword, key.Type)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if skipHostnameVerify {
		cfg.InsecureSkipVerify = true //nolint:gosec // chain is still verified below
		cfg.VerifyConnection = verifyChainOnly(cfg.RootCAs)
	}

	return cfg, nil
}

// verifyChainOnly verifies the peer chain against roots without a name check.
func verifyChainOnly(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("keystore: server presented no certificates")
		}
		intermediates := x509.NewCertPool()
		for _, c := range cs.PeerCertificates[1:] {
			intermediates.AddCert(c)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		})
		return err
	}
}

func readStore(path, storeType string) ([]byte, error) {
	if err := CheckType(storeType); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: path is empty", ErrUnreadable)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnreadable, path, err)
	}
	return data, nil
}
