package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a PEM private key with its authorized_keys formatted public half
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// Signer parses the private key for public key authentication
func (kp *KeyPair) Signer() (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(kp.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// GenerateKeyPairInMemory creates a fresh RSA key pair
func GenerateKeyPairInMemory() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: string(privateKeyPEM),
		PublicKey:  strings.TrimSpace(string(ssh.MarshalAuthorizedKey(publicKey))),
	}, nil
}

// LoadKeyPair derives the public key from a PEM private key. An explicit public key wins
// when given, which lets operators keep key comments.
func LoadKeyPair(privateKeyPEM, publicKey string) (*KeyPair, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if publicKey == "" {
		publicKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	}
	return &KeyPair{PrivateKey: privateKeyPEM, PublicKey: strings.TrimSpace(publicKey)}, nil
}

// LoadKeyPairFile reads a PEM private key from disk and derives its public key
func LoadKeyPairFile(privateKeyPath, publicKey string) (*KeyPair, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return LoadKeyPair(string(keyBytes), publicKey)
}
