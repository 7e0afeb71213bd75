// Package codec encodes flow state documents for storage, caching, and export
package codec

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

const (
	// DefaultMaxStateSize bounds encoded payloads at 10 MiB. Oversized
	// states are rejected on encode, and decode refuses to inflate past
	// the same bound.
	DefaultMaxStateSize = 10 << 20

	formatJSON    = "json"
	schemaVersion = 1
)

// Config controls the encoding pipeline. Key material comes either from
// EncryptionKey (64 hex characters, 32 raw bytes) or from Passphrase
// stretched with PBKDF2; EncryptionKey wins when both are set.
type Config struct {
	EncryptionKey   string
	Passphrase      string
	SensitiveFields []string
	Compression     bool
	MaxStateSize    int
}

// Codec runs the state encoding pipeline: sensitive-field encryption,
// envelope metadata, JSON serialization, and optional gzip compression.
// A Codec is safe for concurrent use.
type Codec struct {
	key             []byte
	sensitiveFields []string
	compress        bool
	maxStateSize    int
}

// New builds a Codec from config. Sensitive fields without any key material
// are a configuration error.
func New(cfg Config) (*Codec, error) {
	codec := &Codec{
		sensitiveFields: cfg.SensitiveFields,
		compress:        cfg.Compression,
		maxStateSize:    cfg.MaxStateSize,
	}

	if codec.maxStateSize <= 0 {
		codec.maxStateSize = DefaultMaxStateSize
	}

	switch {
	case cfg.EncryptionKey != "":
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}

		if len(key) != keyLength {
			return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keyLength, len(key))
		}

		codec.key = key
	case cfg.Passphrase != "":
		codec.key = deriveKey(cfg.Passphrase)
	}

	if len(codec.sensitiveFields) > 0 && codec.key == nil {
		return nil, fmt.Errorf("sensitive fields configured without encryption key or passphrase")
	}

	return codec, nil
}

// document is the envelope written around every encoded state.
type document struct {
	Format        string      `json:"format"`
	SchemaVersion int         `json:"schema_version"`
	Compressed    bool        `json:"compressed"`
	EncodedAt     time.Time   `json:"encoded_at"`
	State         *flow.State `json:"state"`
}

// Encode runs the full pipeline and returns the storable blob.
func (c *Codec) Encode(state *flow.State) ([]byte, error) {
	if state == nil {
		return nil, store.NewError(store.KindSerialization, "Encode", "", "",
			fmt.Errorf("%w: state is nil", store.ErrSerialization))
	}

	encrypted, err := c.EncryptSensitive(state)
	if err != nil {
		return nil, err
	}

	doc := document{
		Format:        formatJSON,
		SchemaVersion: schemaVersion,
		Compressed:    c.compress,
		EncodedAt:     time.Now().UTC(),
		State:         encrypted,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, store.NewError(store.KindSerialization, "Encode", state.FlowID, state.TenantID,
			fmt.Errorf("%w: %w", store.ErrSerialization, err))
	}

	encoded := raw
	if c.compress {
		encoded, err = gzipBytes(raw)
		if err != nil {
			return nil, store.NewError(store.KindSerialization, "Encode", state.FlowID, state.TenantID,
				fmt.Errorf("%w: %w", store.ErrSerialization, err))
		}
	}

	if len(encoded) > c.maxStateSize {
		return nil, store.NewError(store.KindSerialization, "Encode", state.FlowID, state.TenantID,
			fmt.Errorf("%w: encoded state is %d bytes, limit is %d", store.ErrSerialization, len(encoded), c.maxStateSize))
	}

	return encoded, nil
}

// Decode reverses Encode. Plain (uncompressed) payloads from older writers
// are accepted: decompression is probed by the gzip header and falls back to
// the raw bytes.
func (c *Codec) Decode(data []byte) (*flow.State, error) {
	if len(data) == 0 {
		return nil, store.NewError(store.KindSerialization, "Decode", "", "",
			fmt.Errorf("%w: empty payload", store.ErrSerialization))
	}

	if len(data) > c.maxStateSize {
		return nil, store.NewError(store.KindSerialization, "Decode", "", "",
			fmt.Errorf("%w: payload is %d bytes, limit is %d", store.ErrSerialization, len(data), c.maxStateSize))
	}

	raw := data
	if isGzip(data) {
		inflated, err := gunzipBytes(data, c.maxStateSize)
		if err != nil {
			return nil, store.NewError(store.KindSerialization, "Decode", "", "",
				fmt.Errorf("%w: %w", store.ErrSerialization, err))
		}

		raw = inflated
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, store.NewError(store.KindSerialization, "Decode", "", "",
			fmt.Errorf("%w: %w", store.ErrSerialization, err))
	}

	if doc.State == nil {
		return nil, store.NewError(store.KindSerialization, "Decode", "", "",
			fmt.Errorf("%w: envelope carries no state", store.ErrSerialization))
	}

	return c.DecryptSensitive(doc.State)
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(raw); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func gunzipBytes(data []byte, limit int) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	// Read one byte past the limit so oversized payloads are detectable.
	inflated, err := io.ReadAll(io.LimitReader(reader, int64(limit)+1))
	if err != nil {
		return nil, err
	}

	if len(inflated) > limit {
		return nil, fmt.Errorf("decompressed state exceeds %d bytes", limit)
	}

	return inflated, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
