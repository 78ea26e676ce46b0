package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

// writeKeyPair writes a freshly generated RSA pair as PEM files and
// returns their paths.
func writeKeyPair(t *testing.T) (privPath, pubPath string, key *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	tmpDir := t.TempDir()
	privPath = filepath.Join(tmpDir, "rsa_key.pem")
	pubPath = filepath.Join(tmpDir, "rsa_key.pub.pem")

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		t.Fatalf("writing private key: %v", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshalling public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o600); err != nil {
		t.Fatalf("writing public key: %v", err)
	}

	return privPath, pubPath, key
}

// TestLoad verifies key pair loading and pair matching.
func TestLoad(t *testing.T) {
	t.Run("loads matching pair", func(t *testing.T) {
		privPath, pubPath, key := writeKeyPair(t)

		m, err := Load(privPath, pubPath)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if m.SigningKey().N.Cmp(key.N) != 0 {
			t.Error("SigningKey() does not match generated key")
		}
		if m.VerifyKey().N.Cmp(key.N) != 0 {
			t.Error("VerifyKey() does not match generated key")
		}
	})

	t.Run("rejects mismatched pair", func(t *testing.T) {
		privPath, _, _ := writeKeyPair(t)
		_, otherPubPath, _ := writeKeyPair(t)

		if _, err := Load(privPath, otherPubPath); err == nil {
			t.Error("Load() should reject a mismatched key pair")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load("/nonexistent/key.pem", "/nonexistent/key.pub.pem"); err == nil {
			t.Error("Load() should fail for missing files")
		}
	})

	t.Run("garbage PEM", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "bad.pem")
		if err := os.WriteFile(path, []byte("not a pem file"), 0o600); err != nil {
			t.Fatalf("writing file: %v", err)
		}

		if _, err := Load(path, path); err == nil {
			t.Error("Load() should fail for non-PEM content")
		}
	})

	t.Run("pkcs8 private key", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generating key: %v", err)
		}

		tmpDir := t.TempDir()
		privPath := filepath.Join(tmpDir, "pkcs8.pem")
		pubPath := filepath.Join(tmpDir, "pkcs8.pub.pem")

		privDER, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshalling PKCS#8 key: %v", err)
		}
		privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
		if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
			t.Fatalf("writing private key: %v", err)
		}

		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			t.Fatalf("marshalling public key: %v", err)
		}
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
		if err := os.WriteFile(pubPath, pubPEM, 0o600); err != nil {
			t.Fatalf("writing public key: %v", err)
		}

		if _, err := Load(privPath, pubPath); err != nil {
			t.Errorf("Load() with PKCS#8 key error = %v", err)
		}
	})
}

// TestFromKey verifies the test constructor wires both halves.
func TestFromKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	m := FromKey(key)
	if m.SigningKey() != key {
		t.Error("SigningKey() should return the wrapped key")
	}
	if m.VerifyKey() != &key.PublicKey {
		t.Error("VerifyKey() should return the wrapped public key")
	}
}
