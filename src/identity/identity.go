// Package identity manages the boat's long-lived RSA keypair and produces
// the signature HubConnector attaches to its identity handshake. Grounded
// on spec §3 IdentityCredential / §4.7 authentication contract; no library
// in the pack offers a drop-in RSA keypair manager (see DESIGN.md), so
// this is built directly on crypto/rsa + crypto/x509.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const keyBits = 2048

// Credential holds a boat's stable identifier and RSA keypair.
type Credential struct {
	BoatID     string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// Load reads (or creates, on first boot) the boat's identity from dir:
// a PEM PKCS#8 private key (0600), a PEM SPKI public key, and a stable
// boat-uuid file. The private key file is written once and is read-only
// thereafter (spec §5 shared-resource policy).
func Load(dir, boatID string) (*Credential, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create key dir: %w", err)
	}

	uuidPath := filepath.Join(dir, "boat-uuid")
	resolvedID, err := loadOrCreateBoatID(uuidPath, boatID)
	if err != nil {
		return nil, err
	}

	privPath := filepath.Join(dir, "private_key.pem")
	pubPath := filepath.Join(dir, "public_key.pem")

	if _, err := os.Stat(privPath); os.IsNotExist(err) {
		if err := generateAndPersist(privPath, pubPath); err != nil {
			return nil, err
		}
	}

	priv, err := loadPrivateKey(privPath)
	if err != nil {
		return nil, err
	}

	return &Credential{
		BoatID:     resolvedID,
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
	}, nil
}

func loadOrCreateBoatID(path, configured string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}
	id := configured
	if id == "" {
		id = uuid.NewString()
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("identity: persist boat uuid: %w", err)
	}
	return id, nil
}

func generateAndPersist(privPath, pubPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("identity: generate keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("identity: marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("identity: write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("identity: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("identity: write public key: %w", err)
	}
	return nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("identity: no PEM block in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity: key in %s is not RSA", path)
	}
	return rsaKey, nil
}

// PublicKeyPEM returns the SPKI-encoded public key, for the register-key
// WebSocket message.
func (c *Credential) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(c.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Sign computes RSA-SHA256(base64) over "boatId:timestampMillis", per
// spec §4.7's authentication contract.
func (c *Credential) Sign(timestampMillis int64) (string, error) {
	message := c.BoatID + ":" + strconv.FormatInt(timestampMillis, 10)
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign, for symmetry in tests and
// for a hub-side implementation to model itself on.
func Verify(pub *rsa.PublicKey, boatID string, timestampMillis int64, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("identity: decode signature: %w", err)
	}
	message := boatID + ":" + strconv.FormatInt(timestampMillis, 10)
	digest := sha256.Sum256([]byte(message))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}
