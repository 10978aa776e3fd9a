package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const failureThreshold = 3

type fakeDoer struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	err    error
	body   string
	status int
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}

	resp := f.responses[idx]
	f.calls++

	if resp.err != nil {
		return nil, resp.err
	}

	return &http.Response{
		StatusCode: resp.status,
		Body:       io.NopCloser(strings.NewReader(resp.body)),
	}, nil
}

func newNode(doer HTTPDoer) *Node {
	return NewNode("geth", "https://example.com/rpc", doer, failureThreshold, time.Second)
}

const okBody = `{"jsonrpc":"2.0","result":"0x1","id":1}`

func TestCall_SuccessKeepsNodeHealthy(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: okBody}}}
	node := newNode(doer)

	body, err := node.Call(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, okBody, string(body))
	assert.True(t, node.IsAvailable())
}

func TestCall_JSONRPCErrorResponseIsNotABreakerFailure(t *testing.T) {
	errBody := `{"jsonrpc":"2.0","error":{"code":-32601,"message":"not found"},"id":1}`
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: errBody}}}
	node := newNode(doer)

	_, err := node.Call(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, node.IsAvailable())
	assert.Equal(t, Healthy, node.State())
}

func TestCall_FailuresBelowThresholdStayHealthy(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{
		{err: errors.New("boom")},
		{err: errors.New("boom")},
	}}
	node := newNode(doer)

	for i := 0; i < failureThreshold-1; i++ {
		_, err := node.Call(context.Background(), []byte(`{}`))
		assert.Error(t, err)
	}

	assert.True(t, node.IsAvailable())
	assert.Equal(t, Healthy, node.State())
}

func TestCall_NthFailureTripsBreaker(t *testing.T) {
	responses := make([]fakeResponse, failureThreshold)
	for i := range responses {
		responses[i] = fakeResponse{err: errors.New("boom")}
	}

	doer := &fakeDoer{responses: responses}
	node := newNode(doer)

	for i := 0; i < failureThreshold; i++ {
		_, err := node.Call(context.Background(), []byte(`{}`))
		assert.Error(t, err)
	}

	assert.False(t, node.IsAvailable())
	assert.Equal(t, Unhealthy, node.State())

	since, unhealthy := node.UnhealthySince()
	assert.True(t, unhealthy)
	assert.WithinDuration(t, time.Now(), since, time.Second)
}

func TestCall_SuccessResetsConsecutiveFailures(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{
		{err: errors.New("boom")},
		{err: errors.New("boom")},
		{status: 200, body: okBody},
		{err: errors.New("boom")},
		{err: errors.New("boom")},
	}}
	node := newNode(doer)

	for i := 0; i < 3; i++ {
		_, _ = node.Call(context.Background(), []byte(`{}`))
	}
	assert.True(t, node.IsAvailable())

	for i := 0; i < 2; i++ {
		_, _ = node.Call(context.Background(), []byte(`{}`))
	}

	assert.True(t, node.IsAvailable(), "two failures after a reset should not trip a 3-failure threshold")
}

func TestCall_ClientCancellationIsNotRecordedAsFailure(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{err: context.Canceled}}}
	node := newNode(doer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := node.Call(ctx, []byte(`{}`))
	require.Error(t, err)

	var aborted *AbortedError
	assert.ErrorAs(t, err, &aborted)
	assert.True(t, node.IsAvailable())
}

func TestCall_BadStatusIsAFailure(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 500, body: "boom"}}}
	node := newNode(doer)

	_, err := node.Call(context.Background(), []byte(`{}`))
	require.Error(t, err)

	var callFailed *CallFailedError
	require.ErrorAs(t, err, &callFailed)
	assert.Equal(t, ReasonBadStatus, callFailed.Reason)
}

func TestCall_BadEnvelopeIsAFailure(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: "not json"}}}
	node := newNode(doer)

	_, err := node.Call(context.Background(), []byte(`{}`))
	require.Error(t, err)

	var callFailed *CallFailedError
	require.ErrorAs(t, err, &callFailed)
	assert.Equal(t, ReasonBadEnvelope, callFailed.Reason)
}

func TestProbe_OnlySuccessfulProbeRestoresHealth(t *testing.T) {
	responses := make([]fakeResponse, failureThreshold)
	for i := range responses {
		responses[i] = fakeResponse{err: errors.New("boom")}
	}

	doer := &fakeDoer{responses: responses}
	node := newNode(doer)

	for i := 0; i < failureThreshold; i++ {
		_, _ = node.Call(context.Background(), []byte(`{}`))
	}
	require.False(t, node.IsAvailable())

	doer.mu.Lock()
	doer.responses = append(doer.responses, fakeResponse{err: errors.New("still down")})
	doer.mu.Unlock()

	assert.False(t, node.Probe(context.Background()))
	assert.False(t, node.IsAvailable(), "a failed probe must not restore availability")

	doer.mu.Lock()
	doer.responses = append(doer.responses, fakeResponse{status: 200, body: okBody})
	doer.mu.Unlock()

	assert.True(t, node.Probe(context.Background()))
	assert.True(t, node.IsAvailable(), "a successful probe must restore availability")

	since, unhealthy := node.UnhealthySince()
	assert.False(t, unhealthy)
	assert.True(t, since.IsZero())
}

func TestCooldownElapsingAloneDoesNotRestoreAvailability(t *testing.T) {
	responses := make([]fakeResponse, failureThreshold)
	for i := range responses {
		responses[i] = fakeResponse{err: errors.New("boom")}
	}

	doer := &fakeDoer{responses: responses}
	node := newNode(doer)

	for i := 0; i < failureThreshold; i++ {
		_, _ = node.Call(context.Background(), []byte(`{}`))
	}
	require.False(t, node.IsAvailable())

	// Node keeps no cooldown timer: IsAvailable consults only the
	// breaker state, never the time since the node tripped, so time
	// passing cannot flip it back to Healthy; only a successful Probe can.
	since, _ := node.UnhealthySince()
	assert.True(t, time.Since(since) >= 0)
	assert.False(t, node.IsAvailable())
}
