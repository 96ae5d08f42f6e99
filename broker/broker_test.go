package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keystonevault/secretsd/registry"
)

type stubAuthPlugin struct {
	name          string
	interactionID string
	timeout       time.Duration
	beginErr      error
}

func (p *stubAuthPlugin) Name() string { return p.name }

func (p *stubAuthPlugin) BeginAuthentication(ctx context.Context, prompt registry.AuthenticationPrompt) (string, error) {
	if p.beginErr != nil {
		return "", p.beginErr
	}
	return p.interactionID, nil
}

func (p *stubAuthPlugin) InteractionTimeout() time.Duration { return p.timeout }

func TestPromptDeliverRoundTrip(t *testing.T) {
	b := New()
	plugin := &stubAuthPlugin{name: "termauth", interactionID: "req-1", timeout: time.Second}

	reply, err := b.Prompt(context.Background(), plugin, registry.AuthenticationPrompt{RequestID: "req-1"})
	require.NoError(t, err)
	require.Equal(t, 1, b.Outstanding())

	b.Deliver("req-1", Response{AuthCode: []byte("1234")})

	select {
	case resp := <-reply:
		require.Equal(t, []byte("1234"), resp.AuthCode)
		require.False(t, resp.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered response")
	}
	require.Equal(t, 0, b.Outstanding())
}

func TestPromptTimesOutAsCanceled(t *testing.T) {
	b := New()
	plugin := &stubAuthPlugin{name: "termauth", interactionID: "req-2", timeout: 20 * time.Millisecond}

	reply, err := b.Prompt(context.Background(), plugin, registry.AuthenticationPrompt{RequestID: "req-2"})
	require.NoError(t, err)

	select {
	case resp := <-reply:
		require.True(t, resp.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout delivery")
	}
}

func TestCancelAbandonsPrompt(t *testing.T) {
	b := New()
	plugin := &stubAuthPlugin{name: "termauth", interactionID: "req-3", timeout: time.Minute}

	reply, err := b.Prompt(context.Background(), plugin, registry.AuthenticationPrompt{RequestID: "req-3"})
	require.NoError(t, err)

	b.Cancel("req-3")

	select {
	case resp := <-reply:
		require.True(t, resp.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
	require.Equal(t, 0, b.Outstanding())
}

func TestDeliverForUnknownInteractionIsANoOp(t *testing.T) {
	b := New()
	require.NotPanics(t, func() { b.Deliver("nonexistent", Response{}) })
}

func TestPromptPropagatesBeginAuthenticationError(t *testing.T) {
	b := New()
	plugin := &stubAuthPlugin{name: "termauth", beginErr: context.DeadlineExceeded}

	_, err := b.Prompt(context.Background(), plugin, registry.AuthenticationPrompt{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, b.Outstanding())
}
