package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_SetReportsTransitions(t *testing.T) {
	g := New(false)
	assert.False(t, g.IsOnline())

	assert.True(t, g.Set(true))
	assert.False(t, g.Set(true))
	assert.True(t, g.IsOnline())
	assert.True(t, g.Set(false))
}

func TestGate_SubscribeSeesOnlyTransitions(t *testing.T) {
	g := New(false)
	ch, cancel := g.Subscribe()
	defer cancel()

	g.Set(false)
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v", v)
	default:
	}

	g.Set(true)
	require.Equal(t, true, <-ch)
}

func TestGate_SlowSubscriberGetsLatest(t *testing.T) {
	g := New(false)
	ch, cancel := g.Subscribe()
	defer cancel()

	g.Set(true)
	g.Set(false)
	g.Set(true)

	assert.Equal(t, true, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra event %v", v)
	default:
	}
}

func TestGate_UnsubscribeClosesChannel(t *testing.T) {
	g := New(true)
	ch, cancel := g.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, g.Set(false))
}

const probeURL = "https://api.studysync.test"

func newTestProber(t *testing.T, g *Gate) *Prober {
	t.Helper()
	p := NewProber(g, probeURL+"/health", time.Minute)
	gock.InterceptClient(p.HTTPClient())
	t.Cleanup(func() {
		gock.OffAll()
		gock.RestoreClient(p.HTTPClient())
	})
	return p
}

func TestProber_ReachableUpdatesGate(t *testing.T) {
	g := New(false)
	p := newTestProber(t, g)

	gock.New(probeURL).Head("/health").Reply(204)
	assert.True(t, p.Probe(context.Background()))
	assert.True(t, g.IsOnline())
}

func TestProber_ClientErrorStatusStillReachable(t *testing.T) {
	g := New(false)
	p := newTestProber(t, g)

	gock.New(probeURL).Head("/health").Reply(401)
	assert.True(t, p.Probe(context.Background()))
}

func TestProber_ServerErrorIsOffline(t *testing.T) {
	g := New(true)
	p := newTestProber(t, g)

	gock.New(probeURL).Head("/health").Reply(503)
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, g.IsOnline())
}

func TestProber_TransportErrorIsOffline(t *testing.T) {
	g := New(true)
	p := newTestProber(t, g)

	gock.New(probeURL).Head("/health").ReplyError(errors.New("no route to host"))
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, g.IsOnline())
}

func TestProber_RunStopsOnCancel(t *testing.T) {
	g := New(false)
	p := newTestProber(t, g)
	gock.New(probeURL).Head("/health").Persist().Reply(200)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, g.IsOnline, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
