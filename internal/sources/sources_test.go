package sources

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircast/aircast/internal/looping"
)

type fakeEnv struct {
	loop      *looping.Loop
	timeouts  *looping.Timeouts
	published [][]byte
	removed   []Source
}

func newFakeEnv(t *testing.T) *fakeEnv {
	t.Helper()
	loop, err := looping.NewLoop()
	require.NoError(t, err)
	t.Cleanup(loop.Close)
	timeouts, err := looping.NewTimeouts(loop)
	require.NoError(t, err)
	t.Cleanup(timeouts.Close)
	return &fakeEnv{loop: loop, timeouts: timeouts}
}

func (e *fakeEnv) Loop() *looping.Loop                    { return e.loop }
func (e *fakeEnv) Timeouts() *looping.Timeouts            { return e.timeouts }
func (e *fakeEnv) UpdateActivity(h looping.Handler)       {}
func (e *fakeEnv) RemoveInactivityTimeout(looping.Handler) {}

func (e *fakeEnv) PublishPacket(src Source, packet []byte) {
	e.published = append(e.published, packet)
}

func (e *fakeEnv) RemoveSource(src Source) {
	e.removed = append(e.removed, src)
}

func (e *fakeEnv) flat() []byte {
	var out []byte
	for _, p := range e.published {
		out = append(out, p...)
	}
	return out
}

type fakeClient struct {
	packets [][]byte
}

func (c *fakeClient) FD() int { return -1 }

func (c *fakeClient) AddPacket(packet []byte) {
	c.packets = append(c.packets, packet)
}

func (c *fakeClient) flat() []byte {
	var out []byte
	for _, p := range c.packets {
		out = append(out, p...)
	}
	return out
}

func TestContentTypeMapping(t *testing.T) {
	env := newFakeEnv(t)
	for contentType, want := range map[string]string{
		"video/x-flv":              "*sources.FLVSource",
		"video/MP2T":               "*sources.MPEGTSSource",
		"audio/mpeg":               "*sources.ShoutcastSource",
		"application/octet-stream": "*sources.BufferedRawSource",
		"text/surprising":          "*sources.BufferedRawSource",
	} {
		src, err := New(env, -1, "10.0.0.1:1234", contentType, nil, Options{Path: "/s"})
		require.NoError(t, err)
		assert.Equal(t, want, typeName(src), "content type %s", contentType)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *FLVSource:
		return "*sources.FLVSource"
	case *MPEGTSSource:
		return "*sources.MPEGTSSource"
	case *ShoutcastSource:
		return "*sources.ShoutcastSource"
	case *BufferedRawSource:
		return "*sources.BufferedRawSource"
	}
	return "?"
}

func TestBufferedRawCoalesces(t *testing.T) {
	env := newFakeEnv(t)
	src, err := NewBufferedRaw(env, -1, "a", "application/octet-stream", nil, Options{Path: "/s"})
	require.NoError(t, err)

	small := bytes.Repeat([]byte("x"), 1000)
	require.NoError(t, src.HandlePacket(small))
	assert.Empty(t, env.published)

	big := bytes.Repeat([]byte("y"), TempBufferSize)
	require.NoError(t, src.HandlePacket(big))
	require.Len(t, env.published, 1)
	assert.Len(t, env.published[0], 1000+TempBufferSize)

	// The published unit is also the burst replay for a new client.
	c := &fakeClient{}
	src.NewClient(c)
	assert.Equal(t, env.published, c.packets)
}

func TestFixedPacketSizeKeepsRemainder(t *testing.T) {
	env := newFakeEnv(t)
	s := &FixedPacketSizeSource{packetSize: 188}
	s.setup(env, s, -1, "a", "video/MP2T", nil, Options{Path: "/ts"}, 10*188, 10*188)

	payload := make([]byte, 10*188+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, s.HandlePacket(payload))
	require.Len(t, env.published, 1)
	assert.Equal(t, payload[:10*188], env.published[0])
	assert.Equal(t, payload[10*188:], s.pending)

	// The retained tail leads the next flush.
	require.NoError(t, s.HandlePacket(make([]byte, 10*188)))
	require.Len(t, env.published, 2)
	assert.Equal(t, payload[10*188:], env.published[1][:100])
}

// Ten TS packets fed to a fresh mount arrive at a new consumer in order
// and nothing else (empty burst before the flush threshold).
func TestMPEGTSDeliveryInOrder(t *testing.T) {
	env := newFakeEnv(t)
	src, err := NewMPEGTS(env, -1, "a", "video/MP2T", nil, Options{Path: "/s"})
	require.NoError(t, err)

	stream := make([]byte, 10*188)
	for i := range stream {
		stream[i] = byte(i % 251)
	}
	for i := 0; i < len(stream); i += 188 {
		stream[i] = 0x47
	}

	c := &fakeClient{}
	src.NewClient(c)
	assert.Empty(t, c.packets)

	require.NoError(t, src.HandlePacket(stream))
	// Below the temp buffer threshold nothing is published yet; force the
	// flush by topping it up to the threshold.
	rest := make([]byte, 2*MPEGTSRecvBufferSize)
	for i := 0; i < len(rest); i += 188 {
		rest[i] = 0x47
	}
	require.NoError(t, src.HandlePacket(rest))
	got := env.flat()
	require.GreaterOrEqual(t, len(got), len(stream))
	assert.Equal(t, stream, got[:len(stream)])
}

func TestHandlePacketSplitEquivalence(t *testing.T) {
	stream := make([]byte, 3*TempBufferSize+17)
	for i := range stream {
		stream[i] = byte(i * 7)
	}

	whole := newFakeEnv(t)
	src1, err := NewBufferedRaw(whole, -1, "a", "application/octet-stream", nil, Options{Path: "/s"})
	require.NoError(t, err)
	require.NoError(t, src1.HandlePacket(append([]byte(nil), stream...)))

	split := newFakeEnv(t)
	src2, err := NewBufferedRaw(split, -1, "a", "application/octet-stream", nil, Options{Path: "/s"})
	require.NoError(t, err)
	for i := 0; i < len(stream); i += 1013 {
		end := i + 1013
		if end > len(stream) {
			end = len(stream)
		}
		require.NoError(t, src2.HandlePacket(append([]byte(nil), stream[i:end]...)))
	}

	// Coalescing makes unit boundaries depend on read sizes; the published
	// bytes followed by the held-back remainder form the same stream.
	pending1 := src1.(*BufferedRawSource).pending
	pending2 := src2.(*BufferedRawSource).pending
	assert.Equal(t, append(whole.flat(), pending1...), append(split.flat(), pending2...))
}

func TestBurstQueueBounded(t *testing.T) {
	q := newBurstQueue(10 * 1024)
	for i := 0; i < 100; i++ {
		q.Append(make([]byte, 1024))
		if len(q.items) > 0 {
			assert.LessOrEqual(t, q.size-len(q.items[0]), 10*1024)
		}
	}
	assert.LessOrEqual(t, q.size, 11*1024)

	q.SetMaxBytes(2 * 1024)
	assert.LessOrEqual(t, q.size-len(q.items[0]), 2*1024)
}

func TestOnDemandIdleThenDeactivate(t *testing.T) {
	env := newFakeEnv(t)
	src, err := NewBufferedRaw(env, -1, "a", "application/octet-stream", nil, Options{Path: "/s", OnDemand: true})
	require.NoError(t, err)
	require.Equal(t, OnDemandRunning, src.OnDemandState())

	src.OnDemandIdle()
	assert.Equal(t, OnDemandClosing, src.OnDemandState())

	// A client arriving during the closing window cancels the hangup.
	src.NewClient(&fakeClient{})
	assert.Equal(t, OnDemandRunning, src.OnDemandState())

	src.OnDemandIdle()
	src.OnDemandDeactivate()
	assert.Equal(t, OnDemandStopped, src.OnDemandState())

	raw := src.(*BufferedRawSource)
	assert.Empty(t, raw.burst.Items())
	assert.Empty(t, raw.pending)
}

func TestTSInspectorCountsPIDs(t *testing.T) {
	ins := newTSInspector()

	pkt := func(pid uint16, cc byte) []byte {
		p := make([]byte, 188)
		p[0] = 0x47
		p[1] = byte(pid >> 8)
		p[2] = byte(pid)
		p[3] = 0x10 | cc // payload only
		return p
	}

	var stream []byte
	stream = append(stream, pkt(0x100, 0)...)
	stream = append(stream, pkt(0x100, 1)...)
	stream = append(stream, pkt(0x100, 3)...) // CC jump
	stream = append(stream, pkt(0x101, 0)...)

	// Feed with a split in the middle of a packet.
	ins.Observe(stream[:200])
	ins.Observe(stream[200:])

	stats := ins.Stats()
	assert.Equal(t, 4, stats["packets"])
	pids := stats["pids"].([]map[string]any)
	require.Len(t, pids, 2)
	assert.Equal(t, 0x100, pids[0]["pid"])
	assert.Equal(t, 1, pids[0]["cc_errors"])
	assert.Equal(t, 0, pids[1]["cc_errors"])
}
