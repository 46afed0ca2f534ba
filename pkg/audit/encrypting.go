package audit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// encryptedMarker prefixes a record's action_payload value once it has
// been through EncryptingBackend, so reads can tell encrypted records
// apart from older unencrypted ones and pass the latter through
// unchanged.
const encryptedMarker = "ENC["

// encryptedAlgo names the AEAD used in the persisted ciphertext tag
// (spec.md §6's "Persisted formats": ENC[AES256-GCM,data:<b64>,iv:<b64>,tag:<b64>]).
const encryptedAlgo = "AES256-GCM"

// payloadField is the Details key carrying the replayable action
// payload — the only field encryption and redaction operate on
// (spec.md §4.7: "serialize action_payload ... replace the field").
const payloadField = "action_payload"

// EncryptingBackend wraps a Backend and encrypts the action_payload
// entry of each record's Details at rest with AES-256-GCM under a
// single process-held key (spec.md §4.7's payload-at-rest
// requirement); the other Details entries are stored as plaintext. There is no
// third-party AEAD library in the corpus, so this decorator is built
// directly on crypto/aes and crypto/cipher (see DESIGN.md).
type EncryptingBackend struct {
	inner Backend
	gcm   cipher.AEAD
}

// NewEncryptingBackend wraps inner, encrypting action_payload with key, which
// must be exactly 32 bytes (AES-256).
func NewEncryptingBackend(inner Backend, key []byte) (*EncryptingBackend, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("audit: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("audit: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("audit: new gcm: %w", err)
	}
	return &EncryptingBackend{inner: inner, gcm: gcm}, nil
}

func (e *EncryptingBackend) Append(ctx context.Context, record Record) error {
	if payload, ok := record.Details[payloadField]; ok {
		sealed, err := e.seal(payload)
		if err != nil {
			return fmt.Errorf("audit: seal payload: %w", err)
		}
		details := make(map[string]interface{}, len(record.Details))
		for k, v := range record.Details {
			details[k] = v
		}
		details[payloadField] = sealed
		record.Details = details
	}
	return e.inner.Append(ctx, record)
}

func (e *EncryptingBackend) Tail(ctx context.Context, namespace, tenant string) (uint64, string, bool, error) {
	return e.inner.Tail(ctx, namespace, tenant)
}

func (e *EncryptingBackend) Query(ctx context.Context, q Query) ([]Record, error) {
	records, err := e.inner.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range records {
		payload, ok := records[i].Details[payloadField].(string)
		if !ok || !strings.HasPrefix(payload, encryptedMarker) {
			continue
		}
		opened, err := e.open(payload)
		if err != nil {
			return nil, fmt.Errorf("audit: open payload for %s: %w", records[i].ID, err)
		}
		details := make(map[string]interface{}, len(records[i].Details))
		for k, v := range records[i].Details {
			details[k] = v
		}
		details[payloadField] = opened
		records[i].Details = details
	}
	return records, nil
}

func (e *EncryptingBackend) CleanupExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return e.inner.CleanupExpired(ctx, cutoff)
}

// seal encrypts payload and renders it in spec.md §6's persisted form:
// ENC[AES256-GCM,data:<b64>,iv:<b64>,tag:<b64>] — data is the raw
// ciphertext with the GCM authentication tag split off into its own
// field, rather than the combined blob crypto/cipher.AEAD.Seal returns.
func (e *EncryptingBackend) seal(payload interface{}) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("audit: generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nil, nonce, plaintext, nil)
	tagSize := e.gcm.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s%s,data:%s,iv:%s,tag:%s]",
		encryptedMarker, encryptedAlgo,
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
	), nil
}

// open decrypts an ENC[AES256-GCM,data:...,iv:...,tag:...]-prefixed
// payload back to its original JSON-decoded value.
func (e *EncryptingBackend) open(raw string) (interface{}, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(raw, encryptedMarker), "]")
	parts := strings.Split(body, ",")
	if len(parts) != 4 || parts[0] != encryptedAlgo {
		return nil, fmt.Errorf("unrecognized ciphertext envelope %q", raw)
	}
	fields := make(map[string]string, 3)
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed ciphertext field %q", part)
		}
		fields[kv[0]] = kv[1]
	}

	ciphertext, err := base64.StdEncoding.DecodeString(fields["data"])
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(fields["iv"])
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(fields["tag"])
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	if len(nonce) != e.gcm.NonceSize() {
		return nil, fmt.Errorf("iv has wrong length %d", len(nonce))
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("unmarshal plaintext: %w", err)
	}
	return out, nil
}
