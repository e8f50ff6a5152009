package backup

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// ErrSignature is returned when a manifest signature does not verify.
var ErrSignature = errors.New("manifest signature verification failed")

// Signer signs and verifies manifests with an Ed25519 key derived from an age
// X25519 secret key seed.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSigner builds a Signer from an age secret key, a base64 Ed25519 public
// key, or both. A signer holding only the public key can verify but not sign.
func NewSigner(secretKey, publicKey string) (*Signer, error) {
	secret := strings.TrimSpace(secretKey)
	pub := strings.TrimSpace(publicKey)
	if secret == "" && pub == "" {
		return nil, errors.New("AGE_SECRET_KEY or AGE_PUBLIC_KEY must be set")
	}

	s := &Signer{}
	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse AGE_SECRET_KEY: %w", err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)

		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if pub != "" {
		decoded, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return nil, fmt.Errorf("decode AGE_PUBLIC_KEY: %w", err)
		}
		if l := len(decoded); l != ed25519.PublicKeySize {
			return nil, fmt.Errorf("AGE_PUBLIC_KEY must decode to %d bytes, got %d", ed25519.PublicKeySize, l)
		}
		switch {
		case s.publicKey == nil:
			s.publicKey = ed25519.PublicKey(decoded)
		case !bytes.Equal(s.publicKey, decoded):
			return nil, errors.New("AGE_PUBLIC_KEY does not match AGE_SECRET_KEY")
		}
	}
	return s, nil
}

// Sign returns a base64 Ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", errors.New("signer configured without private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks signature over payload. A manifest that names its signing key
// must name this signer's key.
func (s *Signer) Verify(payload []byte, signature, manifestPublicKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrSignature, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: invalid signature length %d", ErrSignature, len(sig))
	}

	if manifestPublicKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(manifestPublicKey)
		if err != nil {
			return fmt.Errorf("%w: decode manifest public key: %v", ErrSignature, err)
		}
		if !bytes.Equal(s.publicKey, decoded) {
			return fmt.Errorf("%w: manifest signed by unexpected key", ErrSignature)
		}
	}
	if !ed25519.Verify(s.publicKey, payload, sig) {
		return ErrSignature
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient of the secret key, if one was given.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
