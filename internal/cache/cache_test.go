package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_ExcludesID_SameMethodParamsShareFingerprint(t *testing.T) {
	keyA, err := Key("eth_getBalance", []any{"0xabc", "latest"})
	require.NoError(t, err)

	keyB, err := Key("eth_getBalance", []any{"0xabc", "latest"})
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
}

func TestKey_DifferentParamsDifferentFingerprint(t *testing.T) {
	keyA, err := Key("eth_getBalance", []any{"0xabc", "latest"})
	require.NoError(t, err)

	keyB, err := Key("eth_getBalance", []any{"0xdef", "latest"})
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
}

func TestKey_MapParamOrderingIsCanonical(t *testing.T) {
	keyA, err := Key("eth_call", []any{map[string]any{"to": "0xabc", "data": "0x1"}})
	require.NoError(t, err)

	keyB, err := Key("eth_call", []any{map[string]any{"data": "0x1", "to": "0xabc"}})
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
}

func TestShouldCacheMethod_RespectsDenyList(t *testing.T) {
	c := New(10, time.Second, []string{"eth_sendRawTransaction"})

	assert.False(t, c.ShouldCacheMethod("eth_sendRawTransaction"))
	assert.True(t, c.ShouldCacheMethod("eth_getBalance"))
}

func TestShouldCacheMethod_DefaultAllowsEverything(t *testing.T) {
	c := New(10, time.Second, nil)

	assert.True(t, c.ShouldCacheMethod("eth_getTransactionReceipt"))
}

func TestGetPut_HitAndMiss(t *testing.T) {
	c := New(10, time.Minute, nil)

	_, hit := c.Get("missing")
	assert.False(t, hit)

	c.Put("present", []byte("value"))

	value, hit := c.Get("present")
	require.True(t, hit)
	assert.Equal(t, []byte("value"), value)
}

func TestGetPut_EntryExpiresAfterTTL(t *testing.T) {
	c := New(10, 10*time.Millisecond, nil)

	c.Put("key", []byte("value"))

	_, hit := c.Get("key")
	require.True(t, hit)

	time.Sleep(30 * time.Millisecond)

	_, hit = c.Get("key")
	assert.False(t, hit, "entry should have expired")
}

func TestGetPut_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := New(2, time.Minute, nil)

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))

	// Touch "a" so "b" becomes the least-recently-used entry.
	_, _ = c.Get("a")

	c.Put("c", []byte("3"))

	_, hitA := c.Get("a")
	_, hitB := c.Get("b")
	_, hitC := c.Get("c")

	assert.True(t, hitA)
	assert.False(t, hitB, "least-recently-used entry should have been evicted")
	assert.True(t, hitC)
}

func TestGuardResult_RejectsErrorsAndNullResults(t *testing.T) {
	assert.Error(t, GuardResult(nil, true))
	assert.Error(t, GuardResult([]byte("null"), false))
	assert.Error(t, GuardResult(nil, false))
	assert.NoError(t, GuardResult([]byte(`"0x1"`), false))
}
