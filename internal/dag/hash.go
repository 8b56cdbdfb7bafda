package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// HashLen is the length of an object hash: hex-encoded SHA-256.
const HashLen = 2 * sha256.Size

// ValidHash reports whether s is a well-formed object hash (lowercase hex).
// Hashes received from peers must pass this check before they are used
// to name anything on disk.
func ValidHash(s string) bool {
	if len(s) != HashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashBytes returns the object hash of data.
func HashBytes(data []byte) string {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// SHA2_256 is always registered.
		panic("dag: multihash sha2-256: " + err.Error())
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		panic("dag: decode multihash: " + err.Error())
	}
	return hex.EncodeToString(decoded.Digest)
}

// ObjectCID returns the CIDv1 (raw codec) naming the same bytes as hash,
// for interop with IPFS tooling.
func ObjectCID(hash string) (gocid.Cid, error) {
	if !ValidHash(hash) {
		return gocid.Undef, fmt.Errorf("invalid object hash %q", hash)
	}
	digest, err := hex.DecodeString(hash)
	if err != nil {
		return gocid.Undef, err
	}
	mh, err := multihash.Encode(digest, multihash.SHA2_256)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(gocid.Raw, mh), nil
}

// CIDString returns the base32lower multibase encoding of a CID.
func CIDString(c gocid.Cid) string {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return encoded
}

// HashFromCID extracts the object hash from a SHA2-256 CID.
func HashFromCID(s string) (string, error) {
	c, err := gocid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode cid: %w", err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", fmt.Errorf("decode multihash: %w", err)
	}
	if decoded.Code != multihash.SHA2_256 {
		return "", fmt.Errorf("cid %s: unsupported hash function %s", s, multihash.Codes[decoded.Code])
	}
	return hex.EncodeToString(decoded.Digest), nil
}
