// Package keys manages the RSA key pairs used for ActivityPub HTTP
// signatures: the instance-wide site key and per-local-actor keys.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
)

// KeyPair holds the RSA key pair used to sign and verify HTTP Signatures.
type KeyPair struct {
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	PublicPEM string
}

// LoadOrGenerate loads an RSA key pair from PEM files, or generates a new
// one if the files do not exist. This means zero-setup for a fresh instance.
func LoadOrGenerate(privatePath, publicPath string) (*KeyPair, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		slog.Info("RSA key pair not found, generating new one", "private", privatePath, "public", publicPath)
		return generateAndSave(privatePath, publicPath)
	}

	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	return Parse(privPEM, pubPEM)
}

// Generate creates a fresh in-memory RSA key pair, without touching disk.
// Used for per-actor keys (users and communities), which live in the
// Object Store rather than on the filesystem.
func Generate() (*KeyPair, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return fromPrivateKey(privKey)
}

func generateAndSave(privatePath, publicPath string) (*KeyPair, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(privKey)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	if err := os.WriteFile(privatePath, privPEM, 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, pubPEM, 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	slog.Info("generated RSA key pair", "private", privatePath, "public", publicPath)
	return Parse(privPEM, pubPEM)
}

func fromPrivateKey(privKey *rsa.PrivateKey) (*KeyPair, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return &KeyPair{
		Private:   privKey,
		Public:    &privKey.PublicKey,
		PublicPEM: string(pubPEM),
	}, nil
}

// Parse decodes a PEM-encoded private/public RSA key pair.
func Parse(privPEM, pubPEM []byte) (*KeyPair, error) {
	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privKey, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}

	pubKey, err := ParsePublicKeyPEM(pubBlock.Bytes)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Private:   privKey,
		Public:    pubKey,
		PublicPEM: string(pubPEM),
	}, nil
}

// ParsePublicKeyPEM parses a bare PKIX DER-encoded RSA public key (the body
// of a PEM block; DecodeRemotePublicKey takes the PEM text itself).
func ParsePublicKeyPEM(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

// DecodeRemotePublicKey decodes a PEM-wrapped public key as received in an
// actor document's publicKey.publicKeyPem field.
func DecodeRemotePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	return ParsePublicKeyPEM(block.Bytes)
}

// PrivatePEM encodes the private key in PKCS1 PEM form, for persistence in
// the Object Store alongside a local actor record.
func (k *KeyPair) PrivatePEM() string {
	privBytes := x509.MarshalPKCS1PrivateKey(k.Private)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}))
}

// ParsePrivatePEM parses a PKCS1 PEM-encoded private key, as stored in the
// Object Store for a local actor.
func ParsePrivatePEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
