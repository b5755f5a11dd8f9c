package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/hash/sha256"
)

func TestBlobStoreSaveCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore(sha256.New())
	payload := []byte("content")
	rec, err := store.Save(context.Background(), "2022", "page.pdf", payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://2022/page.pdf", rec.Path)
	assert.NotEmpty(t, rec.Checksum)

	payload[0] = 'C'
	got, err := store.Load(context.Background(), "2022", "page.pdf")
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
}

func TestBlobStoreIdempotentSave(t *testing.T) {
	t.Parallel()

	store := NewBlobStore(nil)
	ctx := context.Background()
	first, err := store.Save(ctx, "2022", "a.pdf", []byte("one"))
	require.NoError(t, err)
	second, err := store.Save(ctx, "2022", "a.pdf", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.Writes())
	assert.Equal(t, []string{"2022/a.pdf"}, store.Keys())

	_, ok, err := store.Stat(ctx, "2022", "a.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.Stat(ctx, "2022", "b.pdf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlobStoreRejectsBadKeys(t *testing.T) {
	t.Parallel()

	store := NewBlobStore(nil)
	_, err := store.Save(context.Background(), "2022", "../x.pdf", []byte("x"))
	assert.ErrorIs(t, err, harvest.ErrStorage)
	_, err = store.Load(context.Background(), "2022", "missing.pdf")
	assert.ErrorIs(t, err, harvest.ErrStorage)
}
