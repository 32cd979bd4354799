// Package signature mints and verifies per-instance payload signatures.
//
// A queue server mints one signature at startup and hands it to workers at
// registration. Every later worker request echoes it back. Signatures are
// MAC-tagged with a per-process secret, so a signature minted by a previous
// queue incarnation never verifies against the current one.
package signature

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// IDSize is the length of the random instance ID.
const IDSize = 12

// ID is the binary representation of a signature instance ID.
type ID [IDSize]byte

// TagLen is the length of the MAC tag.
const TagLen = 16

// SignedPayload is an instance ID with a tag.
type SignedPayload struct {
	Tag [TagLen]byte
	ID  ID
}

// SignedPayloadSize is the serialized size of SignedPayload.
const SignedPayloadSize = 1 + TagLen + IDSize

// SignedPayloadPrefix is a single byte prefix.
const SignedPayloadPrefix = uint8(23)

// Serialize encodes a binary signed payload with a prefix.
func (sp *SignedPayload) Serialize() []byte {
	b := make([]byte, SignedPayloadSize)
	b[0] = SignedPayloadPrefix
	copy(b[1:1+TagLen], sp.Tag[:])
	copy(b[1+TagLen:], sp.ID[:])
	return b
}

// Deserialize decodes a binary signed payload with a prefix.
// It does not verify the MAC.
func (sp *SignedPayload) Deserialize(b []byte) error {
	if len(b) != SignedPayloadSize {
		return fmt.Errorf("invalid length: %d", len(b))
	}
	if b[0] != SignedPayloadPrefix {
		return fmt.Errorf("invalid prefix: %x", b[0])
	}
	copy(sp.Tag[:], b[1:1+TagLen])
	copy(sp.ID[:], b[1+TagLen:])
	return nil
}

// EncodedPrefix is the hardcoded prefix of marshalled signatures.
const EncodedPrefix = "Q"

// MarshalledSize is the length of a signature, marshalled.
const MarshalledSize = len(EncodedPrefix) + 39

// Marshal returns the URL-safe serialization of a signed payload.
func Marshal(sp *SignedPayload) string {
	return EncodedPrefix + base64.RawURLEncoding.EncodeToString(sp.Serialize())
}

// Unmarshal deserializes an URL-safe string to a signed payload.
// Returns nil if the string is malformed.
func Unmarshal(s string) *SignedPayload {
	if len(s) != MarshalledSize {
		return nil
	}
	if s[:len(EncodedPrefix)] != EncodedPrefix {
		return nil
	}
	buf, err := base64.RawURLEncoding.DecodeString(s[len(EncodedPrefix):])
	if err != nil || len(buf) != SignedPayloadSize {
		return nil
	}
	var sp SignedPayload
	if err := sp.Deserialize(buf); err != nil {
		return nil
	}
	return &sp
}

// Signer holds the per-process secret used to tag instance IDs.
type Signer struct {
	secret *[32]byte
}

// NewSigner creates a signer from a secret.
func NewSigner(secret *[32]byte) *Signer {
	return &Signer{secret: secret}
}

// NewRandomSigner creates a signer with a random secret.
// Used at server startup so old signatures die with the process.
func NewRandomSigner() (*Signer, error) {
	secret := new([32]byte)
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to read signer secret: %w", err)
	}
	return &Signer{secret: secret}, nil
}

func (s *Signer) tag(id ID) (o [TagLen]byte) {
	h, err := blake2b.New(TagLen, s.secret[:])
	if err != nil {
		panic(err)
	}
	if _, err := h.Write(id[:]); err != nil {
		panic(err)
	}
	copy(o[:], h.Sum(o[:0]))
	return
}

// Sign computes the MAC tag over an instance ID.
func (s *Signer) Sign(id ID) SignedPayload {
	return SignedPayload{Tag: s.tag(id), ID: id}
}

// Mint creates a fresh marshalled signature with a random instance ID.
func (s *Signer) Mint() (string, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return "", fmt.Errorf("failed to read instance ID: %w", err)
	}
	sp := s.Sign(id)
	return Marshal(&sp), nil
}

// Verify checks that a marshalled signature was minted by this signer.
func (s *Signer) Verify(marshalled string) bool {
	sp := Unmarshal(marshalled)
	if sp == nil {
		return false
	}
	expTag := s.tag(sp.ID)
	return subtle.ConstantTimeCompare(sp.Tag[:], expTag[:]) == 1
}
