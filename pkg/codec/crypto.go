package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

const (
	algorithmAESGCM  = "aes-256-gcm"
	keyLength        = 32
	pbkdf2Iterations = 100_000
)

// keySalt is the fixed application salt for passphrase stretching. Changing
// it invalidates every passphrase-derived key already in use.
var keySalt = []byte("flowstate.codec.v1")

func deriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), keySalt, pbkdf2Iterations, keyLength, sha256.New)
}

// fieldEnvelope is the wire form of one encrypted sensitive value.
type fieldEnvelope struct {
	Encrypted  bool   `json:"encrypted"`
	Algorithm  string `json:"algorithm"`
	Ciphertext string `json:"ciphertext"`
	Timestamp  string `json:"timestamp"`
}

// EncryptSensitive returns a deep copy of state with every configured
// sensitive field in Data replaced by an encrypted envelope. Values that are
// already envelopes are left untouched, so the operation is idempotent.
func (c *Codec) EncryptSensitive(state *flow.State) (*flow.State, error) {
	if state == nil {
		return nil, store.NewError(store.KindEncryption, "EncryptSensitive", "", "",
			fmt.Errorf("%w: state is nil", store.ErrEncryption))
	}

	clone := state.Clone()
	if len(c.sensitiveFields) == 0 || clone.Data == nil {
		return clone, nil
	}

	for _, field := range c.sensitiveFields {
		value, present := clone.Data[field]
		if !present {
			continue
		}

		if _, already := asEnvelope(value); already {
			continue
		}

		envelope, err := c.sealValue(value)
		if err != nil {
			return nil, store.NewError(store.KindEncryption, "EncryptSensitive", state.FlowID, state.TenantID,
				fmt.Errorf("%w: field %s: %w", store.ErrEncryption, field, err))
		}

		clone.Data[field] = envelope
	}

	return clone, nil
}

// DecryptSensitive returns a deep copy of state with every envelope found in
// Data decrypted back to its original value. Detection is by envelope shape,
// not by the configured field list, so fields dropped from config remain
// readable.
func (c *Codec) DecryptSensitive(state *flow.State) (*flow.State, error) {
	if state == nil {
		return nil, store.NewError(store.KindEncryption, "DecryptSensitive", "", "",
			fmt.Errorf("%w: state is nil", store.ErrEncryption))
	}

	clone := state.Clone()
	if clone.Data == nil {
		return clone, nil
	}

	for field, value := range clone.Data {
		envelope, ok := asEnvelope(value)
		if !ok {
			continue
		}

		original, err := c.openValue(envelope)
		if err != nil {
			return nil, store.NewError(store.KindEncryption, "DecryptSensitive", state.FlowID, state.TenantID,
				fmt.Errorf("%w: field %s: %w", store.ErrEncryption, field, err))
		}

		clone.Data[field] = original
	}

	return clone, nil
}

func (c *Codec) sealValue(value any) (map[string]any, error) {
	if c.key == nil {
		return nil, fmt.Errorf("no encryption key configured")
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	aead, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	return map[string]any{
		"encrypted":  true,
		"algorithm":  algorithmAESGCM,
		"ciphertext": base64.StdEncoding.EncodeToString(append(nonce, sealed...)),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (c *Codec) openValue(envelope fieldEnvelope) (any, error) {
	if c.key == nil {
		return nil, fmt.Errorf("no encryption key configured")
	}

	if envelope.Algorithm != algorithmAESGCM {
		return nil, fmt.Errorf("unsupported algorithm %q", envelope.Algorithm)
	}

	blob, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	aead, err := c.aead()
	if err != nil {
		return nil, err
	}

	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, sealed := blob[:aead.NonceSize()], blob[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}

	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, fmt.Errorf("decode plaintext: %w", err)
	}

	return value, nil
}

func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// asEnvelope reports whether a Data value has the encrypted-envelope shape.
func asEnvelope(value any) (fieldEnvelope, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return fieldEnvelope{}, false
	}

	encrypted, ok := m["encrypted"].(bool)
	if !ok || !encrypted {
		return fieldEnvelope{}, false
	}

	algorithm, ok := m["algorithm"].(string)
	if !ok {
		return fieldEnvelope{}, false
	}

	ciphertext, ok := m["ciphertext"].(string)
	if !ok {
		return fieldEnvelope{}, false
	}

	timestamp, _ := m["timestamp"].(string)

	return fieldEnvelope{
		Encrypted:  true,
		Algorithm:  algorithm,
		Ciphertext: ciphertext,
		Timestamp:  timestamp,
	}, true
}
