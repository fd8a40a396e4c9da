package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecache/internal/transport"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "changes", cfg.SubjectPrefix)
	assert.NotZero(t, cfg.FlushTimeout)
	assert.NotEmpty(t, cfg.URL)
}

func TestSubjectNaming(t *testing.T) {
	tr := New(Config{SubjectPrefix: "sync"}, nil)
	assert.Equal(t, "sync.tasks", tr.subject("tasks"))

	// Empty prefix falls back to the default.
	tr = New(Config{}, nil)
	assert.Equal(t, "changes.tasks", tr.subject("tasks"))
}

func TestOpen_RequiresConnection(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	_, err := tr.Open("tasks", "")
	require.Error(t, err)
}

func TestOpen_RejectsMalformedFilter(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	_, err := tr.Open("tasks", "owner=in.(a,b)")
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrClosed)
}

func TestPublish_RequiresConnection(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	err := tr.Publish(context.Background(), transport.ChangeEvent{
		Type: transport.EventInsert, Resource: "tasks",
	})
	require.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Open("tasks", "")
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, tr.Publish(context.Background(), transport.ChangeEvent{}), transport.ErrClosed)
}
