package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mp3Frame is a 417-byte MPEG1 Layer III frame: 128 kbit/s, 44.1 kHz, no
// padding.
func mp3Frame() []byte {
	frame := make([]byte, 417)
	copy(frame, []byte{0xff, 0xfb, 0x90, 0x00})
	return frame
}

// adtsFrame builds an ADTS frame of the given total length (header
// included), protection absent.
func adtsFrame(length int) []byte {
	frame := make([]byte, length)
	frame[0] = 0xff
	frame[1] = 0xf1
	frame[2] = 0x50 // AAC LC, 44.1 kHz
	frame[3] = byte(length>>11) & 0x03
	frame[4] = byte(length >> 3)
	frame[5] = byte(length&0x07)<<5 | 0x1f
	frame[6] = 0xfc
	return frame
}

func TestMP3FrameLen(t *testing.T) {
	assert.Equal(t, 417, MP3FrameLen(mp3Frame()))
	assert.Equal(t, 0, MP3FrameLen([]byte{0x00, 0x01, 0x02, 0x03}))
	assert.Equal(t, -1, MP3FrameLen([]byte{0xff, 0xfb}))
	// Reserved bitrate index (15) is invalid.
	assert.Equal(t, 0, MP3FrameLen([]byte{0xff, 0xfb, 0xf0, 0x00}))
}

func TestADTSFrameLen(t *testing.T) {
	assert.Equal(t, 100, ADTSFrameLen(adtsFrame(100)))
	assert.Equal(t, 0, ADTSFrameLen([]byte{0xff, 0x00, 0, 0, 0, 0, 0}))
	assert.Equal(t, -1, ADTSFrameLen([]byte{0xff, 0xf1, 0x50}))
}

func TestMP3AlignerWholeFrames(t *testing.T) {
	a := NewMP3Aligner()
	frame := mp3Frame()
	out := a.Feed(append(append([]byte(nil), frame...), frame...))
	assert.Len(t, out, 2*417)
}

func TestMP3AlignerRetainsTail(t *testing.T) {
	a := NewMP3Aligner()
	frame := mp3Frame()
	stream := append(append([]byte(nil), frame...), frame...)

	out := a.Feed(stream[:500])
	require.Len(t, out, 417)
	out = a.Feed(stream[500:])
	require.Len(t, out, 417)
	// Nothing retained once both frames are out.
	assert.Empty(t, a.Feed(nil))
}

// Feeding a stream in any split must produce the same output as feeding
// it whole.
func TestMP3AlignerSplitEquivalence(t *testing.T) {
	frame := mp3Frame()
	var stream []byte
	for i := 0; i < 5; i++ {
		stream = append(stream, frame...)
	}

	whole := NewMP3Aligner().Feed(append([]byte(nil), stream...))

	split := NewMP3Aligner()
	var got []byte
	for i := 0; i < len(stream); i += 123 {
		end := i + 123
		if end > len(stream) {
			end = len(stream)
		}
		got = append(got, split.Feed(stream[i:end])...)
	}
	assert.Equal(t, whole, got)
}

func TestMP3AlignerResync(t *testing.T) {
	a := NewMP3Aligner()
	frame := mp3Frame()
	stream := append([]byte{0x00, 0x12, 0x34}, frame...)
	out := a.Feed(stream)
	// Junk before the sync word is discarded, the frame survives.
	assert.Equal(t, frame, out)
}

func TestADTSAligner(t *testing.T) {
	a := NewADTSAligner()
	frame := adtsFrame(64)
	stream := append(append([]byte(nil), frame...), frame...)

	out := a.Feed(stream[:70])
	require.Len(t, out, 64)
	out = a.Feed(stream[70:])
	require.Len(t, out, 64)
}

func TestAlignerClear(t *testing.T) {
	a := NewMP3Aligner()
	a.Feed(mp3Frame()[:100])
	a.Clear()
	// The retained partial frame is gone; the rest of it is now junk.
	assert.Empty(t, a.Feed(mp3Frame()[100:417]))
}
