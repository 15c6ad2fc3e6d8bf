package tryst

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/tryst/persist"
)

func TestStaticDirectory(t *testing.T) {
	dir, err := NewStaticDirectory(&testKey(t, 0).PublicKey)
	require.NoError(t, err)
	fp0, err := Fingerprint(&testKey(t, 0).PublicKey)
	require.NoError(t, err)

	pub, err := dir.LookupPublicKey(context.Background(), fp0)
	require.NoError(t, err)
	assert.True(t, testKey(t, 0).PublicKey.Equal(pub))

	fp1, err := dir.Add(&testKey(t, 1).PublicKey)
	require.NoError(t, err)
	_, err = dir.LookupPublicKey(context.Background(), fp1)
	require.NoError(t, err)

	_, err = dir.LookupPublicKey(context.Background(), "feed")
	require.ErrorIs(t, err, ErrSenderUnknown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dir.LookupPublicKey(ctx, fp0)
	require.ErrorIs(t, err, context.Canceled)

	_, err = NewStaticDirectory(nil)
	require.ErrorIs(t, err, ErrMalformedKeyMaterial)
}

func TestStoreDirectory(t *testing.T) {
	store := persist.NewMemoryStore()
	dir := NewStoreDirectory(store)

	pemText, err := ExportPublicPEM(&testKey(t, 2).PublicKey)
	require.NoError(t, err)
	fp, err := dir.Add("\n" + pemText + "\n")
	require.NoError(t, err)

	stored, err := store.Get(keyPeerPrefix + fp)
	require.NoError(t, err)
	assert.Equal(t, pemText, string(stored), "stored PEM is normalized")

	peers, err := dir.List()
	require.NoError(t, err)
	assert.Equal(t, []string{fp}, peers)

	pub, err := dir.LookupPublicKey(context.Background(), fp)
	require.NoError(t, err)
	assert.True(t, testKey(t, 2).PublicKey.Equal(pub))

	_, err = dir.Add("garbage")
	require.ErrorIs(t, err, ErrMalformedKeyMaterial)

	require.NoError(t, dir.Remove(fp))
	_, err = dir.LookupPublicKey(context.Background(), fp)
	require.ErrorIs(t, err, ErrSenderUnknown)
	require.ErrorIs(t, dir.Remove(fp), ErrSenderUnknown)
}
