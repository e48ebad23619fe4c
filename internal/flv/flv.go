// Package flv parses the FLV container records the relay needs: the stream
// header, tag headers, and the first byte(s) of audio/video tag bodies that
// identify keyframes and AAC/AVC sequence headers. No codec payloads are
// decoded.
package flv

import (
	"fmt"

	"github.com/aircast/aircast/internal/binparser"
)

// Tag types.
const (
	TagAudio = 8
	TagVideo = 9
	TagMeta  = 18
)

// Video frame types (upper nibble of the first video body byte).
const (
	FrameKeyframe           = 1
	FrameInter              = 2
	FrameDisposableInter    = 3
	FrameGeneratedKeyframe  = 4
	FrameVideoInfoOrCommand = 5
)

// Video codec ids (lower nibble of the first video body byte).
const (
	CodecJPEG          = 1
	CodecSorensonH263  = 2
	CodecScreenVideo   = 3
	CodecOn2VP6        = 4
	CodecOn2VP6Alpha   = 5
	CodecScreenVideoV2 = 6
	CodecAVC           = 7
)

// AVC packet types.
const (
	AVCSequenceHeader = 0
	AVCNALU           = 1
	AVCSequenceEnd    = 2
)

// Audio sound formats (upper nibble of the first audio body byte).
const (
	SoundMP3 = 2
	SoundAAC = 10
)

// AAC packet types.
const (
	AACSequenceHeader = 0
	AACRaw            = 1
)

const (
	headerFlagVideo = 1
	headerFlagAudio = 4

	// TagTrailerSize is the 4-byte previous-tag-size trailing every tag body.
	TagTrailerSize = 4
)

// Header is the 9-byte FLV file header plus the leading 4-byte
// previous-tag-size, parsed and validated as one unit.
type Header struct {
	Raw   []byte
	Flags byte
	Audio bool
	Video bool
}

var headerLayout = binparser.NewLayout(
	binparser.Field{Name: "signature", Size: 3, Validate: binparser.Exact([]byte("FLV"))},
	binparser.Field{Name: "version", Size: 1, Validate: binparser.ExactByte(1)},
	binparser.Field{Name: "flags", Size: 1},
	binparser.Field{Name: "data_offset", Size: 4, Validate: binparser.ExactUint32(9)},
	binparser.Field{Name: "previous_tag_size", Size: 4, Validate: binparser.ExactUint32(0)},
)

// HeaderSize is the byte length of Header.
func HeaderSize() int { return headerLayout.Size() }

// ParseHeader parses a Header at the front of data, copying the raw bytes
// so the record stays valid after the input buffer is reused.
func ParseHeader(data []byte) (*Header, int, error) {
	n, err := headerLayout.Parse(data)
	if err != nil {
		return nil, 0, err
	}
	h := &Header{
		Raw:   append([]byte(nil), data[:n]...),
		Flags: data[4],
	}
	h.Audio = h.Flags&headerFlagAudio != 0
	h.Video = h.Flags&headerFlagVideo != 0
	return h, n, nil
}

// Tag is an 11-byte FLV tag header. Body is filled in by the caller once
// DataSize+TagTrailerSize more bytes are available.
type Tag struct {
	Raw       []byte
	Type      byte
	DataSize  int
	Timestamp uint32
	Body      []byte
}

var tagLayout = binparser.NewLayout(
	binparser.Field{Name: "tag_type", Size: 1, Validate: func(raw []byte) error {
		switch raw[0] {
		case TagAudio, TagVideo, TagMeta:
			return nil
		}
		return fmt.Errorf("unknown tag type %d", raw[0])
	}},
	binparser.Field{Name: "data_size", Size: 3},
	binparser.Field{Name: "timestamp", Size: 4},
	binparser.Field{Name: "stream_id", Size: 3, Validate: binparser.Exact([]byte{0, 0, 0})},
)

// TagHeaderSize is the byte length of a tag header.
func TagHeaderSize() int { return tagLayout.Size() }

// ParseTag parses a tag header at the front of data, copying the raw bytes.
func ParseTag(data []byte) (*Tag, int, error) {
	n, err := tagLayout.Parse(data)
	if err != nil {
		return nil, 0, err
	}
	t := &Tag{
		Raw:      append([]byte(nil), data[:n]...),
		Type:     data[0],
		DataSize: int(binparser.BEUint24(data[1:4])),
		// 3-byte timestamp plus the extension byte as bits 24-31.
		Timestamp: binparser.BEUint24(data[4:7]) | uint32(data[7])<<24,
	}
	return t, n, nil
}

// VideoInfo is the leading 2 bytes of a video tag body.
type VideoInfo struct {
	FrameType     byte
	Codec         byte
	AVCPacketType byte
}

var videoInfoLayout = binparser.NewLayout(
	binparser.Field{Name: "frame_type_and_codec", Size: 1, Validate: func(raw []byte) error {
		frameType := raw[0] >> 4
		if frameType < FrameKeyframe || frameType > FrameVideoInfoOrCommand {
			return fmt.Errorf("unknown frame type %d", frameType)
		}
		codec := raw[0] & 0x0f
		if codec < CodecJPEG || codec > CodecAVC {
			return fmt.Errorf("unknown video codec %d", codec)
		}
		return nil
	}},
	binparser.Field{Name: "avc_packet_type", Size: 1},
)

// VideoInfoSize is the byte length of VideoInfo.
func VideoInfoSize() int { return videoInfoLayout.Size() }

func ParseVideoInfo(data []byte) (*VideoInfo, error) {
	if _, err := videoInfoLayout.Parse(data); err != nil {
		return nil, err
	}
	return &VideoInfo{
		FrameType:     data[0] >> 4,
		Codec:         data[0] & 0x0f,
		AVCPacketType: data[1],
	}, nil
}

// AudioInfo is the leading 2 bytes of an audio tag body.
type AudioInfo struct {
	SoundFormat   byte
	AACPacketType byte
}

var audioInfoLayout = binparser.NewLayout(
	binparser.Field{Name: "audio_data", Size: 1, Validate: func(raw []byte) error {
		format := raw[0] >> 4
		if format == 12 || format == 13 {
			return fmt.Errorf("unknown sound format %d", format)
		}
		return nil
	}},
	binparser.Field{Name: "aac_packet_type", Size: 1},
)

// AudioInfoSize is the byte length of AudioInfo.
func AudioInfoSize() int { return audioInfoLayout.Size() }

func ParseAudioInfo(data []byte) (*AudioInfo, error) {
	if _, err := audioInfoLayout.Parse(data); err != nil {
		return nil, err
	}
	return &AudioInfo{
		SoundFormat:   data[0] >> 4,
		AACPacketType: data[1],
	}, nil
}
