// Package identity implements the bridge's cryptographic primitives: the
// persisted RSA-2048 bridge identity, RS256 signing/verification, random
// token generation, and the canonical serialisation used as signature
// input (component C1 of the bridge).
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// KeySize is the RSA modulus size mandated for the bridge identity.
const KeySize = 2048

// ErrPrivateKeyWorldReadable is returned by Init when an existing private
// key file has permissions broader than owner-only.
var ErrPrivateKeyWorldReadable = errors.New("identity: private key file is world-readable")

// Identity is the bridge's singleton RSA keypair.
type Identity struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// Init loads the identity from dir/{private,public}.pem, generating and
// persisting a fresh 2048-bit keypair on first start. It fails fatally (via
// a returned error, never silently) if an existing private key is readable
// by anyone other than the owner.
func Init(dir string) (*Identity, error) {
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	if _, err := os.Stat(privPath); err == nil {
		return load(privPath, pubPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: stat private key: %w", err)
	}

	return generate(dir, privPath, pubPath)
}

func generate(dir, privPath, pubPath string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create key directory: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write private key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("identity: write public key: %w", err)
	}

	return &Identity{Private: priv, Public: &priv.PublicKey}, nil
}

func load(privPath, pubPath string) (*Identity, error) {
	info, err := os.Stat(privPath)
	if err != nil {
		return nil, fmt.Errorf("identity: stat private key: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, ErrPrivateKeyWorldReadable
	}

	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("identity: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, errors.New("identity: private key is not valid PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}

	return &Identity{Private: priv, Public: &priv.PublicKey}, nil
}

// PublicPEM returns the PEM encoding of the bridge's public key, served
// during pairing.
func (id *Identity) PublicPEM() (string, error) {
	return PublicKeyToPEM(id.Public)
}

// PublicKeyToPEM PEM-encodes an RSA public key, e.g. for handing a
// bridgePublicKey back to a client.
func PublicKeyToPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("identity: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM parses a PEM-encoded RSA public key, e.g. a client's key
// presented during pairing.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("identity: not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("identity: not an RSA public key")
	}
	return rsaPub, nil
}

// Sign produces an RS256 (PKCS#1 v1.5 over SHA-256) signature of payload,
// base64-standard encoded.
func Sign(priv *rsa.PrivateKey, payload []byte) (string, error) {
	hash := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks an RS256 signature of payload against pub. It deliberately
// never logs the signature bytes themselves.
func Verify(pub *rsa.PublicKey, payload []byte, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	hash := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], sig) == nil
}

// RandomToken returns n cryptographically-random bytes, base64url encoded
// without padding.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("identity: random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
