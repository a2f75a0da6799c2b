package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_OrderIndependent(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)

	b, err := CanonicalJSON(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonicalJSON_NestedAndLists(t *testing.T) {
	payload := map[string]interface{}{
		"z": []interface{}{
			map[string]interface{}{"y": 1, "x": 2},
			"str",
		},
		"a": "first",
	}
	out, err := CanonicalJSON(payload)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"first","z":[{"x":2,"y":1},"str"]}`, string(out))
}

func TestSignVerify_RoundTrip(t *testing.T) {
	secret := "topsecret"
	payload := map[string]interface{}{"event": "task.condition_met", "n": 1}
	now := time.Unix(1_000_000, 0).UTC()

	header, err := Sign(secret, payload, now)
	require.NoError(t, err)

	ok, err := Verify(secret, payload, header, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	secret := "topsecret"
	now := time.Unix(1_000_000, 0).UTC()
	header, err := Sign(secret, map[string]interface{}{"a": 1}, now)
	require.NoError(t, err)

	ok, err := Verify(secret, map[string]interface{}{"a": 2}, header, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	payload := map[string]interface{}{"a": 1}
	now := time.Unix(1_000_000, 0).UTC()
	header, err := Sign("secret-one", payload, now)
	require.NoError(t, err)

	ok, err := Verify("secret-two", payload, header, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestVerify_RejectsExpiredTimestamp is I7/scenario 6: a signature signed at
// t=1_000_000 must fail verification at wall-clock t=1_000_400 (400s later)
// even though the HMAC itself still matches.
func TestVerify_RejectsExpiredTimestamp(t *testing.T) {
	secret := "topsecret"
	payload := map[string]interface{}{"event": "task.condition_met"}
	signedAt := time.Unix(1_000_000, 0).UTC()

	header, err := Sign(secret, payload, signedAt)
	require.NoError(t, err)

	later := time.Unix(1_000_400, 0).UTC()
	ok, err := Verify(secret, payload, header, later)
	require.NoError(t, err)
	assert.False(t, ok, "signature older than the 300s tolerance must be rejected")
}

func TestVerify_AcceptsWithinTolerance(t *testing.T) {
	secret := "topsecret"
	payload := map[string]interface{}{"event": "task.condition_met"}
	signedAt := time.Unix(1_000_000, 0).UTC()

	header, err := Sign(secret, payload, signedAt)
	require.NoError(t, err)

	justInside := time.Unix(1_000_000+ToleranceSeconds, 0).UTC()
	ok, err := Verify(secret, payload, header, justInside)
	require.NoError(t, err)
	assert.True(t, ok)

	justOutside := time.Unix(1_000_000+ToleranceSeconds+1, 0).UTC()
	ok, err = Verify(secret, payload, header, justOutside)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_MalformedHeader(t *testing.T) {
	ok, err := Verify("secret", map[string]interface{}{"a": 1}, "not-a-valid-header", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSign_HeaderShape(t *testing.T) {
	header, err := Sign("secret", map[string]interface{}{"a": 1}, time.Unix(42, 0).UTC())
	require.NoError(t, err)
	assert.Regexp(t, `^t=42,v1=[0-9a-f]{64}$`, header)
}
