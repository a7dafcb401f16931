// Package ricochet implements contact identifiers: a "ricochet:" prefix in
// front of a version 3 onion service ID, which encodes an ed25519 public key
// with a two-byte checksum and a version byte in lowercase base32.
package ricochet

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Prefix introduces every contact identifier.
const Prefix = "ricochet:"

const onionVersion = 3

var (
	b32         = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
	reContactID = regexp.MustCompile("^ricochet:[a-z2-7]{56}$")
)

// checksum is the leading two bytes of SHA3-256(".onion checksum" || pubkey
// || version), as defined by the v3 onion address format.
func checksum(pub []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pub)
	h.Write([]byte{onionVersion})
	return h.Sum(nil)[:2]
}

// ContactID renders a public key as a contact identifier.
func ContactID(pub ed25519.PublicKey) string {
	raw := make([]byte, 0, 35)
	raw = append(raw, pub...)
	raw = append(raw, checksum(pub)...)
	raw = append(raw, onionVersion)
	return Prefix + b32.EncodeToString(raw)
}

// PublicKey extracts the ed25519 public key from a contact identifier. It
// fails on anything that is not a well-formed, checksum-valid v3 ID.
func PublicKey(id string) (ed25519.PublicKey, error) {
	if !reContactID.MatchString(id) {
		return nil, fmt.Errorf("ricochet: malformed contact ID %q", id)
	}
	raw, err := b32.DecodeString(strings.TrimPrefix(id, Prefix))
	if err != nil || len(raw) != ed25519.PublicKeySize+3 {
		return nil, fmt.Errorf("ricochet: undecodable contact ID %q", id)
	}
	pub := raw[:ed25519.PublicKeySize]
	if raw[34] != onionVersion || !bytes.Equal(raw[32:34], checksum(pub)) {
		return nil, fmt.Errorf("ricochet: bad checksum in contact ID %q", id)
	}
	return ed25519.PublicKey(pub), nil
}

// IsContactID reports whether s is a fully valid contact identifier,
// checksum included.
func IsContactID(s string) bool {
	_, err := PublicKey(s)
	return err == nil
}

// ServiceID strips the prefix, leaving the bare onion service ID.
func ServiceID(id string) string {
	return strings.TrimPrefix(id, Prefix)
}
