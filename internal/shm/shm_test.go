package shm

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSegment(t *testing.T, size int) *Segment {
	t.Helper()
	name := fmt.Sprintf("framepipe-test-%d-%s", os.Getpid(), t.Name())
	seg, err := Open(name, size)
	require.NoError(t, err)
	t.Cleanup(func() {
		seg.Close()
		Unlink(name)
	})
	return seg
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	seg := testSegment(t, 4096)

	pattern := make([]byte, 300)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}

	require.NoError(t, seg.WriteAt(pattern, 128))

	got := make([]byte, len(pattern))
	require.NoError(t, seg.ReadAt(got, 128))
	assert.True(t, bytes.Equal(pattern, got))
}

func TestCrossMappingVisibility(t *testing.T) {
	t.Parallel()
	name := fmt.Sprintf("framepipe-test-shared-%d", os.Getpid())
	a, err := Open(name, 1024)
	require.NoError(t, err)
	defer func() {
		a.Close()
		Unlink(name)
	}()

	b, err := Open(name, 1024)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.WriteAt([]byte("zero copy"), 64))
	got := make([]byte, 9)
	require.NoError(t, b.ReadAt(got, 64))
	assert.Equal(t, "zero copy", string(got))
}

func TestBounds(t *testing.T) {
	t.Parallel()
	seg := testSegment(t, 256)

	buf := make([]byte, 32)
	assert.ErrorIs(t, seg.WriteAt(buf, 225), ErrBounds)
	assert.ErrorIs(t, seg.WriteAt(buf, -1), ErrBounds)
	assert.ErrorIs(t, seg.ReadAt(buf, 256), ErrBounds)
	assert.NoError(t, seg.WriteAt(buf, 224))
}

func TestOpenRejectsInvalid(t *testing.T) {
	t.Parallel()
	_, err := Open("", 128)
	assert.Error(t, err)
	_, err = Open("x", 0)
	assert.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()
	seg := testSegment(t, 128)

	require.NoError(t, seg.Close())
	require.NoError(t, seg.Close())
	assert.ErrorIs(t, seg.WriteAt([]byte{1}, 0), ErrClosed)
	assert.ErrorIs(t, seg.ReadAt(make([]byte, 1), 0), ErrClosed)
}
