package lfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestLocalStorage_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())

	content := []byte("hello world")
	oid := sha256Hex(content)

	require.NoError(t, storage.Put(ctx, "repo-1", oid, bytes.NewReader(content), int64(len(content))))

	exists, err := storage.Exists(ctx, "repo-1", oid)
	require.NoError(t, err)
	assert.True(t, exists)

	reader, size, err := storage.Get(ctx, "repo-1", oid)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, int64(len(content)), size)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestLocalStorage_PutRejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())

	content := []byte("hello world")
	wrongOID := sha256Hex([]byte("something else"))

	err := storage.Put(ctx, "repo-1", wrongOID, bytes.NewReader(content), int64(len(content)))
	assert.ErrorIs(t, err, ErrHashMismatch)

	exists, err := storage.Exists(ctx, "repo-1", wrongOID)
	require.NoError(t, err)
	assert.False(t, exists, "mismatched content must not be committed to the final path")
}

func TestLocalStorage_PutRejectsSizeMismatch(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())

	content := []byte("hello world")
	oid := sha256Hex(content)

	err := storage.Put(ctx, "repo-1", oid, bytes.NewReader(content), int64(len(content))+1)
	assert.ErrorIs(t, err, ErrHashMismatch)

	exists, err := storage.Exists(ctx, "repo-1", oid)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStorage_GetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())

	_, _, err := storage.Get(ctx, "repo-1", sha256Hex([]byte("never written")))
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorage_DeleteMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())

	err := storage.Delete(ctx, "repo-1", sha256Hex([]byte("never written")))
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorage_DeleteRemovesObject(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())

	content := []byte("delete me")
	oid := sha256Hex(content)
	require.NoError(t, storage.Put(ctx, "repo-1", oid, bytes.NewReader(content), int64(len(content))))

	require.NoError(t, storage.Delete(ctx, "repo-1", oid))

	exists, err := storage.Exists(ctx, "repo-1", oid)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestValidateOID(t *testing.T) {
	validOID := sha256Hex([]byte("anything"))

	tests := []struct {
		name    string
		oid     string
		wantErr bool
	}{
		{"valid lowercase hex", validOID, false},
		{"too short", validOID[:63], true},
		{"too long", validOID + "a", true},
		{"uppercase rejected", "A" + validOID[1:], true},
		{"non-hex characters", "g" + validOID[1:], true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOID(tt.oid)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLocalStorage_RejectsInvalidOIDBeforeTouchingDisk(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())

	badOID := "not-a-valid-oid"

	_, err := storage.Exists(ctx, "repo-1", badOID)
	assert.ErrorIs(t, err, ErrInvalidOID)

	_, _, err = storage.Get(ctx, "repo-1", badOID)
	assert.ErrorIs(t, err, ErrInvalidOID)

	err = storage.Put(ctx, "repo-1", badOID, bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, ErrInvalidOID)

	err = storage.Delete(ctx, "repo-1", badOID)
	assert.ErrorIs(t, err, ErrInvalidOID)
}

func TestLocalStorage_SizeMatchesWrittenContent(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())

	content := []byte("sized content for the test")
	oid := sha256Hex(content)
	require.NoError(t, storage.Put(ctx, "repo-1", oid, bytes.NewReader(content), int64(len(content))))

	size, err := storage.Size(ctx, "repo-1", oid)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
}
