package dag

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/multiformats/go-multibase"
	"github.com/systemshift/fzone/internal/codec"
)

const didKeyPrefix = "did:key:"

// ed25519Multicodec is the multicodec prefix for Ed25519 public keys (0xED01).
var ed25519Multicodec = []byte{0xed, 0x01}

// Identity holds an Ed25519 keypair. Its DID is the key of the channel
// it publishes to.
type Identity struct {
	DID        string `json:"did"`
	PublicKey  string `json:"public_key"`  // base64-encoded 32 bytes
	PrivateKey string `json:"private_key"` // base64-encoded 32-byte seed
}

// LoadIdentity reads the identity file at path, generating a new one if
// it does not exist.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		return &id, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	return generateIdentity(path)
}

func generateIdentity(path string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	did, err := encodeDIDKey(pub)
	if err != nil {
		return nil, err
	}
	id := &Identity{
		DID:        did,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	if err := writeFileAtomic(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}

// SigningKey returns the Ed25519 private key.
func (id *Identity) SigningKey() (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// encodeDIDKey encodes a raw Ed25519 public key as did:key:z...
func encodeDIDKey(publicKey []byte) (string, error) {
	prefixed := append(append([]byte{}, ed25519Multicodec...), publicKey...)
	encoded, err := multibase.Encode(multibase.Base58BTC, prefixed)
	if err != nil {
		return "", fmt.Errorf("base58 encode: %w", err)
	}
	return didKeyPrefix + encoded, nil
}

// DecodeDIDKey extracts the raw Ed25519 public key from a did:key DID.
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix+"z") {
		return nil, fmt.Errorf("not a base58btc did:key: %q", did)
	}
	_, raw, err := multibase.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode did:key: %w", err)
	}
	if !bytes.HasPrefix(raw, ed25519Multicodec) || len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("did:key %q is not an Ed25519 key", did)
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}

// signingPayload is the encoding of m with the signature removed.
func signingPayload(m *Message) ([]byte, error) {
	unsigned := *m
	sh := *m.SigHeader
	sh.Sig = nil
	unsigned.SigHeader = &sh
	return EncodeMessage(&unsigned)
}

// NewEntry builds a signed entry for this identity's channel. body is
// encoded as a CBOR byte string; a nil body is left absent.
func (id *Identity) NewEntry(body []byte, refs []string, t time.Time) (*Message, error) {
	key, err := id.SigningKey()
	if err != nil {
		return nil, err
	}

	m := &Message{
		Header:    Header{Refs: refs},
		SigHeader: &SigHeader{Key: id.DID, Time: t.UnixNano()},
	}
	if body != nil {
		m.Body, err = codec.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}

	payload, err := signingPayload(m)
	if err != nil {
		return nil, err
	}
	m.SigHeader.Sig = ed25519.Sign(key, payload)
	return m, nil
}

// VerifyEntry checks that an entry is signed by the key its channel key
// names. It is the Verifier for did:key channels.
func VerifyEntry(m *Message) error {
	if m.SigHeader == nil {
		return fmt.Errorf("message is not a channel entry")
	}
	pub, err := DecodeDIDKey(m.SigHeader.Key)
	if err != nil {
		return err
	}
	if len(m.SigHeader.Sig) == 0 {
		return fmt.Errorf("entry is unsigned")
	}
	payload, err := signingPayload(m)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, m.SigHeader.Sig) {
		return fmt.Errorf("bad signature for %s", m.SigHeader.Key)
	}
	return nil
}
