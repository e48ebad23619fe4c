package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircast/aircast/internal/flv"
)

func flvStreamHeader(flags byte) []byte {
	return []byte{'F', 'L', 'V', 1, flags, 0, 0, 0, 9, 0, 0, 0, 0}
}

func flvTag(tagType byte, timestamp uint32, body []byte) []byte {
	n := len(body)
	out := []byte{
		tagType,
		byte(n >> 16), byte(n >> 8), byte(n),
		byte(timestamp >> 16), byte(timestamp >> 8), byte(timestamp), byte(timestamp >> 24),
		0, 0, 0,
	}
	out = append(out, body...)
	total := uint32(11 + n)
	return append(out, byte(total>>24), byte(total>>16), byte(total>>8), byte(total))
}

func metaTag(timestamp uint32) []byte {
	return flvTag(flv.TagMeta, timestamp, []byte("onMetaData......"))
}

func aacSeqTag(timestamp uint32) []byte {
	return flvTag(flv.TagAudio, timestamp, []byte{0xaf, 0x00, 0x12, 0x10})
}

func avcSeqTag(timestamp uint32) []byte {
	return flvTag(flv.TagVideo, timestamp, []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01})
}

func interTag(timestamp uint32) []byte {
	return flvTag(flv.TagVideo, timestamp, []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0xaa})
}

func keyTag(timestamp uint32) []byte {
	return flvTag(flv.TagVideo, timestamp, []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xbb})
}

func audioTag(timestamp uint32) []byte {
	return flvTag(flv.TagAudio, timestamp, []byte{0xaf, 0x01, 0x21, 0x42})
}

func newFLVForTest(t *testing.T, env *fakeEnv) *FLVSource {
	t.Helper()
	src, err := NewFLV(env, -1, "a", "video/x-flv", nil, Options{Path: "/flv"})
	require.NoError(t, err)
	return src.(*FLVSource)
}

// Spec scenario: header + meta + AAC seq + AVC seq + three inter frames +
// one keyframe. A consumer joining now gets the header and the setup tags;
// the inter frames were published live but never promoted to the burst
// history because no keyframe led them.
func TestFLVInitialTagsAndUnsyncedGroup(t *testing.T) {
	env := newFakeEnv(t)
	src := newFLVForTest(t, env)

	var stream []byte
	stream = append(stream, flvStreamHeader(5)...)
	stream = append(stream, metaTag(0)...)
	stream = append(stream, aacSeqTag(0)...)
	stream = append(stream, avcSeqTag(0)...)
	stream = append(stream, interTag(10)...)
	stream = append(stream, interTag(20)...)
	stream = append(stream, interTag(30)...)
	stream = append(stream, keyTag(40)...)
	require.NoError(t, src.HandlePacket(stream))

	require.Len(t, src.initialTags, 3)
	assert.Empty(t, src.burstData, "pre-keyframe group must not be promoted")

	c := &fakeClient{}
	src.NewClient(c)
	want := append([]byte(nil), flvStreamHeader(5)...)
	want = append(want, metaTag(0)...)
	want = append(want, aacSeqTag(0)...)
	want = append(want, avcSeqTag(0)...)
	assert.Equal(t, want, c.flat())
}

func TestFLVKeyframeGroupPromoted(t *testing.T) {
	env := newFakeEnv(t)
	src := newFLVForTest(t, env)

	var stream []byte
	stream = append(stream, flvStreamHeader(5)...)
	stream = append(stream, avcSeqTag(0)...)
	stream = append(stream, keyTag(0)...)
	stream = append(stream, interTag(10)...)
	stream = append(stream, audioTag(15)...)
	stream = append(stream, keyTag(20)...) // closes the first group
	require.NoError(t, src.HandlePacket(stream))

	require.Len(t, src.burstData, 1)
	group := append(append(append([]byte(nil), keyTag(0)...), interTag(10)...), audioTag(15)...)
	assert.Equal(t, group, src.burstData[0])

	// New client: header, setup tag, then the keyframe-led group.
	c := &fakeClient{}
	src.NewClient(c)
	want := append([]byte(nil), flvStreamHeader(5)...)
	want = append(want, avcSeqTag(0)...)
	want = append(want, group...)
	assert.Equal(t, want, c.flat())
}

func TestFLVBurstDurationTrim(t *testing.T) {
	env := newFakeEnv(t)
	src := newFLVForTest(t, env)

	var stream []byte
	stream = append(stream, flvStreamHeader(5)...)
	// Keyframe-led groups one second apart for ten seconds.
	for ts := uint32(0); ts <= 10000; ts += 1000 {
		stream = append(stream, keyTag(ts)...)
		stream = append(stream, interTag(ts+500)...)
	}
	require.NoError(t, src.HandlePacket(stream))

	require.NotEmpty(t, src.burstGroups)
	newest := src.burstGroups[len(src.burstGroups)-1][0].Timestamp
	// Trailing span stays within BurstDuration plus one group.
	secondOldest := src.burstGroups[1][0].Timestamp
	assert.LessOrEqual(t, newest-secondOldest, uint32(5000))
	// And every retained group starts with a keyframe.
	for _, group := range src.burstGroups {
		info, err := flv.ParseVideoInfo(group[0].Body)
		require.NoError(t, err)
		assert.Equal(t, byte(flv.FrameKeyframe), info.FrameType)
	}
}

func TestFLVAudioOnlyEveryTagIsSync(t *testing.T) {
	env := newFakeEnv(t)
	src := newFLVForTest(t, env)

	var stream []byte
	stream = append(stream, flvStreamHeader(4)...) // audio only
	stream = append(stream, aacSeqTag(0)...)
	stream = append(stream, audioTag(10)...)
	stream = append(stream, audioTag(20)...)
	stream = append(stream, audioTag(30)...)
	require.NoError(t, src.HandlePacket(stream))

	// Each audio tag closes the previous one-tag group.
	assert.Len(t, src.burstData, 2)
}

func TestFLVSplitEquivalence(t *testing.T) {
	var stream []byte
	stream = append(stream, flvStreamHeader(5)...)
	stream = append(stream, metaTag(0)...)
	stream = append(stream, avcSeqTag(0)...)
	stream = append(stream, keyTag(0)...)
	stream = append(stream, interTag(10)...)
	stream = append(stream, keyTag(1000)...)
	stream = append(stream, interTag(1010)...)
	stream = append(stream, keyTag(2000)...)

	whole := newFakeEnv(t)
	src1 := newFLVForTest(t, whole)
	require.NoError(t, src1.HandlePacket(append([]byte(nil), stream...)))

	split := newFakeEnv(t)
	src2 := newFLVForTest(t, split)
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		require.NoError(t, src2.HandlePacket(append([]byte(nil), stream[i:end]...)))
	}

	assert.Equal(t, whole.flat(), split.flat())
	assert.Equal(t, len(src1.burstData), len(src2.burstData))
}

func TestFLVInvalidHeaderIsFatal(t *testing.T) {
	env := newFakeEnv(t)
	src := newFLVForTest(t, env)
	err := src.HandlePacket([]byte("GLV\x01\x05\x00\x00\x00\x09\x00\x00\x00\x00"))
	require.Error(t, err)
}

func TestFLVHeaderPublishedOnParse(t *testing.T) {
	env := newFakeEnv(t)
	src := newFLVForTest(t, env)
	require.NoError(t, src.HandlePacket(flvStreamHeader(5)))
	require.Len(t, env.published, 1)
	assert.Equal(t, flvStreamHeader(5), env.published[0])
	assert.True(t, src.header.Video)
}
