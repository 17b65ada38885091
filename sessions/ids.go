package sessions

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// IDGenerator mints session ids and performs a cheap validity check on ids
// presented by clients before any table lookup.
type IDGenerator interface {
	NewID() (string, error)
	Valid(id string) bool
}

// UUIDs issues random version 4 UUIDs.
type UUIDs struct{}

func (UUIDs) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (UUIDs) Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// SignedIDs issues compact EdDSA JWS tokens wrapping a random UUID, so a
// forged or truncated id is rejected without touching the registry.
type SignedIDs struct {
	kid    string
	signer jose.Signer
	pub    ed25519.PublicKey
}

type signedIDClaims struct {
	SID string `json:"sid"`
	IAT int64  `json:"iat"`
}

// NewSignedIDs derives an Ed25519 key from a 32 byte seed.
func NewSignedIDs(kid string, seed []byte) (*SignedIDs, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	opts := (&jose.SignerOptions{}).WithType("JWT")
	if kid != "" {
		opts = opts.WithHeader("kid", kid)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &SignedIDs{kid: kid, signer: signer, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *SignedIDs) NewID() (string, error) {
	payload, err := json.Marshal(signedIDClaims{SID: uuid.NewString(), IAT: time.Now().Unix()})
	if err != nil {
		return "", err
	}
	jws, err := s.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign session id: %w", err)
	}
	return jws.CompactSerialize()
}

func (s *SignedIDs) Valid(id string) bool {
	_, err := s.verify(id)
	return err == nil
}

func (s *SignedIDs) verify(id string) (*signedIDClaims, error) {
	jws, err := jose.ParseSigned(id, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, err
	}
	if len(jws.Signatures) != 1 {
		return nil, errors.New("unexpected signature count")
	}
	payload, err := jws.Verify(s.pub)
	if err != nil {
		return nil, err
	}
	var claims signedIDClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, err
	}
	if claims.SID == "" {
		return nil, errors.New("missing sid")
	}
	return &claims, nil
}
