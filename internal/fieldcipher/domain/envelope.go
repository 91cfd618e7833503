// Package domain defines the protected field envelope, the self-describing value that
// replaces a sensitive field at rest.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

// FormatVersion is the envelope layout written by this package. Readers reject any other
// version.
const FormatVersion = 1

// DecryptionFailedSentinel replaces a field whose envelope could not be decrypted during
// retrieval.
const DecryptionFailedSentinel = "[DECRYPTION_FAILED]"

// Encoding describes how the plaintext bytes map back to the original field value.
type Encoding string

const (
	// EncodingString means the plaintext is the field value itself.
	EncodingString Encoding = "string"
	// EncodingJSON means the plaintext is the JSON encoding of a non-string value.
	EncodingJSON Encoding = "json"
)

// Envelope is the persisted form of a protected field.
//
// Ciphertext, Nonce and Tag are base64 encoded by encoding/json. Context and KeyVersion name
// the data key needed to open it, so envelopes written before a rotation stay readable.
type Envelope struct {
	Protected  bool                     `json:"protected"`
	Ciphertext []byte                   `json:"ciphertext"`
	Nonce      []byte                   `json:"nonce"`
	Tag        []byte                   `json:"tag"`
	Context    string                   `json:"context"`
	Version    int                      `json:"version"`
	KeyVersion uint                     `json:"keyVersion"`
	Algorithm  keystoreDomain.Algorithm `json:"algorithm"`
	Encoding   Encoding                 `json:"encoding,omitempty"`
	Timestamp  time.Time                `json:"timestamp"`
}

// EnvelopeFromValue returns the envelope held by a record value.
//
// Records built in process hold *Envelope or Envelope. Records decoded from JSON storage hold
// map[string]any; a map is marked as an envelope when it carries "protected": true. marked
// reports that marker even when the rest of the map does not decode, in which case err is
// ErrInvalidEnvelope and env is nil.
func EnvelopeFromValue(value any) (env *Envelope, marked bool, err error) {
	switch v := value.(type) {
	case *Envelope:
		if v == nil || !v.Protected {
			return nil, false, nil
		}
		return v, true, nil
	case Envelope:
		if !v.Protected {
			return nil, false, nil
		}
		return &v, true, nil
	case map[string]any:
		if protected, _ := v["protected"].(bool); !protected {
			return nil, false, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
		}
		var decoded Envelope
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, true, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
		}
		return &decoded, true, nil
	default:
		return nil, false, nil
	}
}

// IsProtected reports whether a record value is marked as an envelope, decodable or not.
func IsProtected(value any) bool {
	_, marked, _ := EnvelopeFromValue(value)
	return marked
}
