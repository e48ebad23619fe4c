package sources

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircast/aircast/internal/httpmsg"
)

// testMP3Frame is a valid 417-byte MPEG1 Layer III frame header plus
// padding.
func testMP3Frame(fill byte) []byte {
	frame := bytes.Repeat([]byte{fill}, 417)
	copy(frame, []byte{0xff, 0xfb, 0x90, 0x00})
	return frame
}

func icyMetadataUnit(s string) []byte {
	blocks := (len(s) + 15) / 16
	unit := make([]byte, 1+blocks*16)
	unit[0] = byte(blocks)
	copy(unit[1:], s)
	return unit
}

func newShoutcastForTest(t *testing.T, env *fakeEnv, metaint int) *ShoutcastSource {
	t.Helper()
	src, err := NewMP3Shoutcast(env, -1, "a", "audio/mpeg", nil, Options{Path: "/radio"})
	require.NoError(t, err)
	sc := src.(*ShoutcastSource)
	headers := httpmsg.Headers{}
	headers.Set("icy-name", "somestation")
	headers.Set("icy-br", "128")
	if metaint > 0 {
		headers.Set("icy-metaint", strconv.Itoa(metaint))
	}
	sc.SetHeaders(headers)
	return sc
}

func TestShoutcastHeaders(t *testing.T) {
	env := newFakeEnv(t)
	sc := newShoutcastForTest(t, env, 8000)
	assert.Equal(t, "somestation", sc.ICYHeaders()["icy-name"])
	assert.Equal(t, "128", sc.ICYHeaders()["icy-br"])
	assert.True(t, sc.HasMetadata())

	noMeta := newShoutcastForTest(t, env, 0)
	assert.False(t, noMeta.HasMetadata())
}

// Interleave payload with ICY metadata units and verify the published
// stream is the cleaned, frame-aligned payload with the latest metadata
// retained.
func TestShoutcastStripsMetadata(t *testing.T) {
	env := newFakeEnv(t)
	metaint := 500
	sc := newShoutcastForTest(t, env, metaint)

	var payload []byte
	for i := 0; i < 60; i++ {
		payload = append(payload, testMP3Frame(byte(i))...)
	}
	meta1 := icyMetadataUnit("StreamTitle='first';")
	meta2 := icyMetadataUnit("StreamTitle='second';")

	// Build the wire stream: metaint payload bytes, then a metadata unit.
	var wire []byte
	units := 0
	for off := 0; off < len(payload); off += metaint {
		end := off + metaint
		if end > len(payload) {
			break
		}
		wire = append(wire, payload[off:end]...)
		units++
		switch {
		case units == 1:
			wire = append(wire, meta1...)
		case units == 10:
			wire = append(wire, meta2...)
		default:
			wire = append(wire, 0) // empty unit
		}
	}

	require.NoError(t, sc.HandlePacket(wire))

	published := append(env.flat(), sc.pending...)
	// The output is a prefix of the cleaned payload (a trailing partial
	// frame may be retained in the aligner).
	require.NotEmpty(t, published)
	assert.True(t, bytes.HasPrefix(payload, published))
	assert.GreaterOrEqual(t, len(published), len(payload)-417)

	assert.Equal(t, meta2, sc.Metadata())
}

func TestShoutcastMetadataSplitAcrossPackets(t *testing.T) {
	env := newFakeEnv(t)
	metaint := 100
	sc := newShoutcastForTest(t, env, metaint)

	payload := testMP3Frame(1)
	meta := icyMetadataUnit("StreamTitle='x';")

	var wire []byte
	wire = append(wire, payload[:metaint]...)
	wire = append(wire, meta...)
	wire = append(wire, payload[metaint:2*metaint]...)

	// Feed in 7-byte slices so the length byte and metadata body straddle
	// packet boundaries.
	for i := 0; i < len(wire); i += 7 {
		end := i + 7
		if end > len(wire) {
			end = len(wire)
		}
		require.NoError(t, sc.HandlePacket(wire[i:end]))
	}
	assert.Equal(t, meta, sc.Metadata())
}

func TestShoutcastZeroLengthMetadata(t *testing.T) {
	env := newFakeEnv(t)
	metaint := 50
	sc := newShoutcastForTest(t, env, metaint)

	wire := append(append([]byte(nil), testMP3Frame(1)[:metaint]...), 0)
	require.NoError(t, sc.HandlePacket(wire))
	assert.Equal(t, []byte{0}, sc.Metadata())
}

func TestShoutcastNoMetaintPassthrough(t *testing.T) {
	env := newFakeEnv(t)
	sc := newShoutcastForTest(t, env, 0)

	frame := testMP3Frame(3)
	var fed []byte
	// Push enough frames through to cross the low-bitrate temp buffer.
	for len(fed) <= LowBitrateTempBufferSize {
		require.NoError(t, sc.HandlePacket(frame))
		fed = append(fed, frame...)
	}
	got := env.flat()
	require.NotEmpty(t, got)
	assert.True(t, bytes.HasPrefix(fed, got))
}
