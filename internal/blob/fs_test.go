package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFS_PutGet(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := PartKey("job-1", 2)
	assert.Equal(t, "jobs/job-1/parts/0002.pdf", key)

	require.NoError(t, s.Put(ctx, key, []byte("%PDF-1.7 part")))
	require.NoError(t, s.Put(ctx, key, []byte("%PDF-1.7 part v2")))

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 part v2"), data)
}

func TestFS_GetMissing(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), SourceKey("nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFS_RejectsEscapingKeys(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, s.Put(ctx, "../outside.pdf", []byte("x")))
	assert.Error(t, s.Put(ctx, "/etc/passwd", []byte("x")))
	_, err = s.Get(ctx, "")
	assert.Error(t, err)
}
