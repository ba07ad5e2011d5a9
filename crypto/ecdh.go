package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionKeyInfo = "resqmesh-session-v1"
	tokenInfo      = "resqmesh-auth-token-v1"
	// TokenLength is the number of characters in an authentication token.
	TokenLength = 4
	// tokenAlphabet omits characters that are easy to misread aloud.
	tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a key pair for one handshake.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, []byte, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, privateKey.PublicKey().Bytes(), nil
}

// ComputeX25519SharedSecret runs X25519 against a peer's raw public key.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublic []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	publicKey, err := x25519Curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer X25519 public key: %w", err)
	}
	shared, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return shared, nil
}

// DeriveSessionKey expands a shared secret into an AES-256 key. Both sides derive the same key
// regardless of argument order.
func DeriveSessionKey(shared []byte, localID, remoteID string) ([]byte, error) {
	return expand(shared, sessionKeyInfo, localID, remoteID, aes256KeySize)
}

// AuthenticationToken derives the short code both operators can compare before accepting.
func AuthenticationToken(shared []byte, localID, remoteID string) (string, error) {
	raw, err := expand(shared, tokenInfo, localID, remoteID, TokenLength)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, v := range raw {
		b.WriteByte(tokenAlphabet[int(v)%len(tokenAlphabet)])
	}
	return b.String(), nil
}

func expand(shared []byte, info, localID, remoteID string, size int) ([]byte, error) {
	if len(shared) == 0 {
		return nil, fmt.Errorf("shared secret is required")
	}
	ids := []string{localID, remoteID}
	sort.Strings(ids)

	reader := hkdf.New(sha256.New, shared, []byte(ids[0]+"|"+ids[1]), []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}
