package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := New(4)
	p.Start()
	defer p.Stop()

	done := make(chan Completion, 8)
	for i := 0; i < 8; i++ {
		i := i
		p.Submit(Job{
			ID:   "job",
			Run:  func() (interface{}, error) { return i, nil },
			Done: done,
		})
	}

	results := make(map[int]bool)
	for i := 0; i < 8; i++ {
		select {
		case c := <-done:
			require.NoError(t, c.Err)
			require.Equal(t, "job", c.ID)
			results[c.Result.(int)] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for job completion")
		}
	}
	require.Len(t, results, 8)
}

func TestPoolPropagatesJobError(t *testing.T) {
	p := New(1)
	p.Start()
	defer p.Stop()

	done := make(chan Completion, 1)
	wantErr := errors.New("derivation failed")
	p.Submit(Job{ID: "bad", Run: func() (interface{}, error) { return nil, wantErr }, Done: done})

	select {
	case c := <-done:
		require.Equal(t, "bad", c.ID)
		require.ErrorIs(t, c.Err, wantErr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job completion")
	}
}

func TestPoolStopWaitsForWorkers(t *testing.T) {
	p := New(2)
	p.Start()
	p.Stop()

	// A second Start/Stop cycle should work the same way; nothing in Pool
	// is single-use.
	p.Start()
	defer p.Stop()

	done := make(chan Completion, 1)
	p.Submit(Job{ID: "again", Run: func() (interface{}, error) { return "ok", nil }, Done: done})

	select {
	case c := <-done:
		require.Equal(t, "ok", c.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job completion")
	}
}

func TestNewClampsNonPositiveSize(t *testing.T) {
	p := New(0)
	require.Equal(t, 1, p.size)
	p = New(-3)
	require.Equal(t, 1, p.size)
}
