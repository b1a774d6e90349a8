package channel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSelectsChannelByScheme(t *testing.T) {
	root := t.TempDir()
	ch, err := Open(Endpoint{URL: "file://" + root})
	require.NoError(t, err)
	dir, ok := ch.(*DirChannel)
	require.True(t, ok)
	assert.Equal(t, filepath.Clean(root), dir.Root())

	ch, err = Open(Endpoint{URL: "ftp://drop.example.test/mfre_int", Username: "u", Password: "p"})
	require.NoError(t, err)
	ftpCh, ok := ch.(*FTPChannel)
	require.True(t, ok)
	assert.Equal(t, defaultTimeout, ftpCh.timeout)

	_, err = Open(Endpoint{URL: "sftp://drop.example.test"})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = Open(Endpoint{URL: " "})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestDirChannelRoundTrip(t *testing.T) {
	root := t.TempDir()
	c, err := NewDirChannel(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "lvs_req.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "LVS_FEEDBACK.txt"), 0o755))

	found, err := c.Exists(ctx, "LVS_REQ.txt")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = c.Exists(ctx, "LVS_FEEDBACK.txt")
	require.NoError(t, err)
	assert.False(t, found)

	local := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(local, []byte("a,b,c,01,03.04.24,10:11:12\n"), 0o644))
	require.NoError(t, c.Upload(ctx, "export.txt", local))

	back := filepath.Join(t.TempDir(), "back.txt")
	require.NoError(t, c.Download(ctx, "EXPORT.TXT", back))
	data, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c,01,03.04.24,10:11:12\n", string(data))

	deleted, err := c.Delete(ctx, "LVS_REQ.txt")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = c.Delete(ctx, "LVS_REQ.txt")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDirChannelDownloadMissing(t *testing.T) {
	c, err := NewDirChannel(t.TempDir())
	require.NoError(t, err)
	local := filepath.Join(t.TempDir(), "missing.txt")

	err = c.Download(context.Background(), "missing.txt", local)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	_, statErr := os.Stat(local)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDirChannelUploadLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	c, err := NewDirChannel(root)
	require.NoError(t, err)
	local := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	require.NoError(t, c.Upload(context.Background(), "feedback.txt", local))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "feedback.txt", entries[0].Name())
}

func TestDirChannelMissingRootIsTransportError(t *testing.T) {
	c, err := NewDirChannel(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	_, err = c.Exists(context.Background(), "LVS_REQ.txt")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestNewDirChannelRejectsEmptyRoot(t *testing.T) {
	_, err := NewDirChannel("  ")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}
