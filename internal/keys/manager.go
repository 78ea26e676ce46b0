// Package keys owns the RSA signing key pair used to mint and verify
// access tokens.
//
// The pair is provisioned by an external bootstrap step (PEM files on
// disk); this package only loads it. The Manager is immutable for the
// process lifetime and safe for concurrent use.
package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Manager holds the loaded signing key pair.
type Manager struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// Load reads the RSA key pair from PEM files.
//
// The private key may be PKCS#1 ("RSA PRIVATE KEY") or PKCS#8
// ("PRIVATE KEY"); the public key may be PKIX ("PUBLIC KEY") or
// PKCS#1 ("RSA PUBLIC KEY").
func Load(privateKeyFile, publicKeyFile string) (*Manager, error) {
	priv, err := loadPrivateKey(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading private key: %w", err)
	}

	pub, err := loadPublicKey(publicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading public key: %w", err)
	}

	// The pair must match: a mismatched pair would mint tokens the
	// verifier rejects, which looks like universal auth failure.
	if priv.PublicKey.N.Cmp(pub.N) != 0 || priv.PublicKey.E != pub.E {
		return nil, fmt.Errorf("private and public key files are not a pair")
	}

	return &Manager{private: priv, public: pub}, nil
}

// FromKey wraps an already-constructed private key. Used by tests.
func FromKey(priv *rsa.PrivateKey) *Manager {
	return &Manager{private: priv, public: &priv.PublicKey}
}

// SigningKey returns the private key for token signing.
func (m *Manager) SigningKey() *rsa.PrivateKey {
	return m.private
}

// VerifyKey returns the public key for token verification.
func (m *Manager) VerifyKey() *rsa.PublicKey {
	return m.public
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s contains no PEM block", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#8 key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s is not an RSA key", path)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s contains no PEM block", path)
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKIX key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s is not an RSA key", path)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}
