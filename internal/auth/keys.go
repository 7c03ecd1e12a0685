// Package auth implements bearer-token authentication for the
// aggregator's HTTP transports. Tokens are RSA-signed JWTs; the keypair
// lives in the config directory or comes from the environment. Without a
// private key, auth is disabled globally.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"magg/internal/api"
	"magg/pkg/logging"
)

const rsaKeyBits = 2048

// GenerateKey creates a new RSA keypair and writes the private key PEM to
// path with owner-only permissions.
func GenerateKey(path string) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key %s: %w", path, err)
	}

	logging.Info("Auth", "Generated RSA keypair at %s", path)
	return key, nil
}

// LoadKey resolves the signing key: PEM material from the environment
// override wins, then the key file. A missing key is not an error; it
// returns nil and auth stays disabled.
func LoadKey(envPEM, path string) (*rsa.PrivateKey, error) {
	if envPEM != "" {
		key, err := parsePEM([]byte(envPEM))
		if err != nil {
			return nil, api.Authf("invalid private key in environment: %v", err)
		}
		return key, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat private key %s: %w", path, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, api.Authf("private key %s must be readable by owner only (mode %o)", path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", path, err)
	}
	key, err := parsePEM(data)
	if err != nil {
		return nil, api.Authf("invalid private key %s: %v", path, err)
	}
	return key, nil
}

func parsePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}

// PublicKeyPEM encodes the public half of key as PEM.
func PublicKeyPEM(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PrivateKeyPEM encodes key as PEM, for export through the auth CLI.
func PrivateKeyPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}
