// Package crypto implements the AES-128-GCM wrapper around an envelope
// frame, and its JSON transport form, matching the WebCrypto-compatible
// peers this client must interoperate with.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/jarbashivemind/hivemind-go/internal/hiveerr"
)

const (
	keySize   = 16 // AES-128
	nonceSize = 12
	tagSize   = 16

	sessionKeyInfo = "hivemind-session-key"
)

// transportForm is the JSON object carried on the wire in place of a
// plaintext envelope.
type transportForm struct {
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag,omitempty"`
	Nonce      string `json:"nonce"`
}

// normalizeKey truncates any key longer than 16 bytes to the first 16 —
// a compatibility contract with peers that supply longer keys, not a
// recommendation.
func normalizeKey(key []byte) []byte {
	if len(key) > keySize {
		return key[:keySize]
	}
	return key
}

// DeriveSessionKey turns an identity password into a 16-byte AES key via
// HKDF-SHA256. Used when an identity's password replaces a runtime
// session key.
func DeriveSessionKey(password string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(password), nil, []byte(sessionKeyInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, &hiveerr.EncryptionKeyError{Cause: err}
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(normalizeKey(key))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, tagSize)
}

// EncryptJSON encrypts plaintext and returns the JSON transport form. A
// random 12-byte nonce is generated unless the caller supplies one.
func EncryptJSON(key, plaintext []byte, nonce ...[]byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, &hiveerr.EncryptionKeyError{Cause: err}
	}

	n := make([]byte, nonceSize)
	if len(nonce) > 0 && nonce[0] != nil {
		if len(nonce[0]) != nonceSize {
			return nil, &hiveerr.EncryptionKeyError{Cause: fmt.Errorf("nonce must be %d bytes", nonceSize)}
		}
		copy(n, nonce[0])
	} else if _, err := rand.Read(n); err != nil {
		return nil, &hiveerr.EncryptionKeyError{Cause: err}
	}

	sealed := gcm.Seal(nil, n, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	form := transportForm{
		Ciphertext: hex.EncodeToString(ciphertext),
		Tag:        hex.EncodeToString(tag),
		Nonce:      hex.EncodeToString(n),
	}
	return json.Marshal(form)
}

// DecryptJSON reverses EncryptJSON. It also accepts the legacy
// web-crypto form, where tag is absent and the last 16 bytes of
// ciphertext are the GCM tag (accept-only; this package never emits
// that form). Any AEAD or tag-mismatch failure returns
// *hiveerr.EncryptionKeyError without leaking partial plaintext.
func DecryptJSON(key, transportJSON []byte) ([]byte, error) {
	var form transportForm
	if err := json.Unmarshal(transportJSON, &form); err != nil {
		return nil, &hiveerr.DecodeError{Cause: err}
	}

	ciphertext, err := hex.DecodeString(form.Ciphertext)
	if err != nil {
		return nil, &hiveerr.EncryptionKeyError{Cause: err}
	}
	nonce, err := hex.DecodeString(form.Nonce)
	if err != nil {
		return nil, &hiveerr.EncryptionKeyError{Cause: err}
	}

	var sealed []byte
	if form.Tag != "" {
		tag, err := hex.DecodeString(form.Tag)
		if err != nil {
			return nil, &hiveerr.EncryptionKeyError{Cause: err}
		}
		sealed = append(append([]byte{}, ciphertext...), tag...)
	} else {
		// Legacy web-crypto form: tag is the trailing 16 bytes of ciphertext.
		sealed = ciphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, &hiveerr.EncryptionKeyError{Cause: err}
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &hiveerr.EncryptionKeyError{Cause: err}
	}
	return plaintext, nil
}

// IsEncryptedFrame reports whether raw decodes as a JSON object
// containing a "ciphertext" key — the detection rule for distinguishing
// encrypted frames from plaintext ones on receive.
func IsEncryptedFrame(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe["ciphertext"]
	return ok
}
