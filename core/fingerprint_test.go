package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	payload := map[string]interface{}{"category": "music", "limit": 10}

	k1, err := Fingerprint("taste", "taste.insights", "taste.insights", payload)
	require.NoError(t, err)
	k2, err := Fingerprint("taste", "taste.insights", "taste.insights", payload)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, string(k1), 32)
}

func TestFingerprintCanonicalMapOrder(t *testing.T) {
	// JSON marshaling sorts map keys, so insertion order must not matter.
	a := map[string]int{}
	a["alpha"] = 1
	a["beta"] = 2

	b := map[string]int{}
	b["beta"] = 2
	b["alpha"] = 1

	ka, err := Fingerprint("p", "e", "t", a)
	require.NoError(t, err)
	kb, err := Fingerprint("p", "e", "t", b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestFingerprintDiscriminatesRouting(t *testing.T) {
	payload := map[string]string{"q": "same"}

	base, err := Fingerprint("taste", "insights", "fetch", payload)
	require.NoError(t, err)

	otherProvider, _ := Fingerprint("llm", "insights", "fetch", payload)
	otherEndpoint, _ := Fingerprint("taste", "status", "fetch", payload)
	otherType, _ := Fingerprint("taste", "insights", "probe", payload)
	otherPayload, _ := Fingerprint("taste", "insights", "fetch", map[string]string{"q": "different"})

	assert.NotEqual(t, base, otherProvider)
	assert.NotEqual(t, base, otherEndpoint)
	assert.NotEqual(t, base, otherType)
	assert.NotEqual(t, base, otherPayload)
}

func TestFingerprintRejectsUnmarshalable(t *testing.T) {
	_, err := Fingerprint("p", "e", "t", make(chan int))
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, Kind(err))
}
