package bufevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func readAll(t *testing.T, fd int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || n == 0 {
			return out
		}
		require.NoError(t, err)
		out = append(out, buf[:n]...)
	}
}

func TestFlushDrains(t *testing.T) {
	w, r := socketPair(t)
	b := New(w, 0)
	b.Add([]byte("hello "))
	b.Add([]byte("world"))
	require.Equal(t, 11, b.QueueSize())

	sent, err := b.Flush()
	require.NoError(t, err)
	assert.Equal(t, 11, sent)
	assert.True(t, b.Empty())
	assert.True(t, b.Ready)
	assert.Equal(t, []byte("hello world"), readAll(t, r))
}

func TestFlushPreservesOrder(t *testing.T) {
	w, r := socketPair(t)
	b := New(w, 0)
	for i := 0; i < 100; i++ {
		b.Add([]byte{byte(i)})
	}
	_, err := b.Flush()
	require.NoError(t, err)
	got := readAll(t, r)
	require.Len(t, got, 100)
	for i := 0; i < 100; i++ {
		assert.Equal(t, byte(i), got[i])
	}
}

func TestFlushBackpressure(t *testing.T) {
	w, r := socketPair(t)
	// Shrink the send buffer so the kernel pushes back quickly.
	require.NoError(t, unix.SetsockoptInt(w, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	b := New(w, 1<<30)
	chunk := make([]byte, 64<<10)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	b.Add(chunk)

	sent, err := b.Flush()
	require.NoError(t, err)
	require.Less(t, sent, len(chunk))
	assert.False(t, b.Ready)
	assert.Equal(t, len(chunk)-sent, b.QueueSize())

	// Drain the reader, flush again: the remainder must come out intact.
	var got []byte
	for !b.Empty() {
		got = append(got, readAll(t, r)...)
		_, err = b.Flush()
		require.NoError(t, err)
	}
	got = append(got, readAll(t, r)...)
	assert.Equal(t, chunk, got)
}

func TestQueueSizeExceeded(t *testing.T) {
	w, _ := socketPair(t)
	require.NoError(t, unix.SetsockoptInt(w, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	b := New(w, 1024)
	b.Add(make([]byte, 256<<10))

	_, err := b.Flush()
	var qerr *QueueSizeExceededError
	require.ErrorAs(t, err, &qerr)
	assert.Greater(t, qerr.Size, qerr.Max)
}

func TestFlushPeerClosed(t *testing.T) {
	w, r := socketPair(t)
	require.NoError(t, unix.Close(r))

	b := New(w, 0)
	b.Add([]byte("data"))
	// Writing into a closed peer ends with EPIPE (possibly after one
	// accepted write).
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		b.Add([]byte("more"))
		_, err = b.Flush()
	}
	require.Error(t, err)
	assert.True(t, IsPeerClosed(err))
}

func TestPartialPop(t *testing.T) {
	b := &OutputBuffer{fd: -1, maxQueue: 1 << 20}
	b.Add([]byte("abc"))
	b.Add([]byte("def"))
	b.queued -= 4
	b.pop(4)
	require.Len(t, b.queue, 1)
	assert.Equal(t, []byte("ef"), b.queue[0])
}
