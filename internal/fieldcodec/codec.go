// Package fieldcodec seals individual sensitive values before they are
// persisted and opens them on the read path.
//
// A blob has the form "fc1.<version>.<payload>" where payload is the
// unpadded base64url encoding of nonce || ciphertext || tag. The header is
// authenticated as additional data, so a blob cannot be re-labelled with
// another key version.
package fieldcodec

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	formatTag   = "fc1"
	minRootKey  = 32
	deriveLabel = "orgpass/fieldcodec/v1"
)

// Blob is an opaque sealed value. The empty Blob means "absent".
type Blob string

// IsAbsent reports whether no value was stored.
func (b Blob) IsAbsent() bool { return b == "" }

// Config carries key material into the codec. Keys maps a key version to
// its root key; ActiveVersion selects the key used by Encode.
type Config struct {
	Keys          map[uint8][]byte
	ActiveVersion uint8
}

// Codec encodes and decodes sensitive field values. It is safe for
// concurrent use; its keys are fixed at construction.
type Codec struct {
	aeads    map[uint8]cipher.AEAD
	active   uint8
	rand     io.Reader
	observer func(*DecodeError)
}

// Option configures a Codec.
type Option func(*Codec)

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.rand = r
		}
	}
}

// WithDecodeObserver registers fn to be called for every failed decode.
func WithDecodeObserver(fn func(*DecodeError)) Option {
	return func(c *Codec) { c.observer = fn }
}

// New builds a codec from the supplied configuration.
func New(cfg Config, opts ...Option) (*Codec, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("fieldcodec: at least one key is required")
	}
	if _, ok := cfg.Keys[cfg.ActiveVersion]; !ok {
		return nil, fmt.Errorf("fieldcodec: active key version %d is not configured", cfg.ActiveVersion)
	}
	c := &Codec{
		aeads:  make(map[uint8]cipher.AEAD, len(cfg.Keys)),
		active: cfg.ActiveVersion,
		rand:   rand.Reader,
	}
	for version, root := range cfg.Keys {
		if len(root) < minRootKey {
			return nil, fmt.Errorf("fieldcodec: key version %d must be at least %d bytes", version, minRootKey)
		}
		key, err := deriveKey(root, version)
		if err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("fieldcodec: new cipher: %w", err)
		}
		c.aeads[version] = aead
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ActiveVersion returns the key version used for new blobs.
func (c *Codec) ActiveVersion() uint8 { return c.active }

// Encode seals plaintext. Empty input yields the absent Blob.
func (c *Codec) Encode(plaintext string) (Blob, error) {
	if plaintext == "" {
		return "", nil
	}
	aead := c.aeads[c.active]
	header := formatTag + "." + strconv.Itoa(int(c.active))

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("fieldcodec: read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(header))
	return Blob(header + "." + base64.RawURLEncoding.EncodeToString(sealed)), nil
}

// Decode opens a blob produced by Encode. The absent Blob decodes to ""
// without error. Any other failure is a *DecodeError and no plaintext is
// returned.
func (c *Codec) Decode(blob Blob) (string, error) {
	return c.DecodeField("", blob)
}

// DecodeField is Decode for a named field. A failure carries field in
// DecodeError.Field, including the copy handed to the decode observer.
func (c *Codec) DecodeField(field string, blob Blob) (string, error) {
	if blob.IsAbsent() {
		return "", nil
	}
	plaintext, derr := c.open(string(blob))
	if derr != nil {
		derr.Field = field
		if c.observer != nil {
			c.observer(derr)
		}
		return "", derr
	}
	return plaintext, nil
}

func (c *Codec) open(raw string) (string, *DecodeError) {
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) != 3 || parts[0] != formatTag {
		return "", &DecodeError{Reason: "malformed blob"}
	}
	v, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return "", &DecodeError{Reason: "malformed key version"}
	}
	version := uint8(v)
	aead, ok := c.aeads[version]
	if !ok {
		return "", &DecodeError{Reason: "unknown key version", Version: version}
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", &DecodeError{Reason: "malformed payload", Version: version}
	}
	if len(payload) < aead.NonceSize()+aead.Overhead() {
		return "", &DecodeError{Reason: "payload too short", Version: version}
	}
	nonce, ciphertext := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	header := parts[0] + "." + parts[1]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(header))
	if err != nil {
		return "", &DecodeError{Reason: "authentication failed", Version: version}
	}
	return string(plaintext), nil
}

func deriveKey(root []byte, version uint8) ([]byte, error) {
	info := deriveLabel + "/" + strconv.Itoa(int(version))
	r := hkdf.New(sha256.New, root, nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("fieldcodec: derive key: %w", err)
	}
	return key, nil
}
