package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// RequestKey is an opaque fingerprint derived from provider, endpoint,
// request type, and a canonicalized payload. Two requests with equal keys
// are semantically identical and share one result via single-flight.
type RequestKey string

// Fingerprint canonicalizes the payload and hashes it together with the
// routing fields. JSON marshaling of maps sorts keys, which makes the
// encoding canonical for the payload shapes the adapters use.
func Fingerprint(provider, endpoint, requestType string, payload interface{}) (RequestKey, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", NewError(KindInvalidInput, "core.Fingerprint",
			fmt.Errorf("payload not canonicalizable: %w", err))
	}

	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write([]byte(requestType))
	h.Write([]byte{0})
	h.Write(data)
	return RequestKey(hex.EncodeToString(h.Sum(nil))[:32]), nil
}
