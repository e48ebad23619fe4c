package sources

import (
	"errors"
	"time"

	"github.com/aircast/aircast/internal/binparser"
	"github.com/aircast/aircast/internal/flv"
	"github.com/aircast/aircast/internal/httpmsg"
)

// BurstDuration bounds the timestamp span of the FLV burst history.
const BurstDuration = 5 * time.Second

type flvParserState int

const (
	flvWantHeader flvParserState = iota
	flvWantTagHeader
	flvWantTagBody
)

// FLVSource parses an FLV stream into tags, publishes keyframe-aligned tag
// groups, and retains the stream header, the initial setup tags (first
// metadata, first AAC sequence header, first AVC sequence header) and the
// recent groups so new consumers start at a decodable position.
type FLVSource struct {
	baseSource

	state   flvParserState
	pending []byte
	current *flv.Tag

	header      *flv.Header
	initialTags []*flv.Tag
	gotMeta     bool
	gotAudio    bool
	gotVideo    bool

	// Current group accumulates tags until the next sync point closes it.
	// groupSynced records whether it started at a sync point; only synced
	// groups are promoted to the burst history, so replay always begins
	// at a decodable position.
	group       []*flv.Tag
	groupSynced bool
	// Keyframe-aligned history: groups and their pre-concatenated bytes.
	burstGroups [][]*flv.Tag
	burstData   [][]byte
}

// NewFLV is the Constructor for video/x-flv and application/x-flv.
func NewFLV(env Env, fd int, addr, contentType string, body []byte, opts Options) (Source, error) {
	s := &FLVSource{}
	s.init(env, s, fd, addr, contentType, opts)
	s.pending = append([]byte(nil), body...)
	return s, nil
}

func (s *FLVSource) HandlePacket(packet []byte) error {
	s.pending = append(s.pending, packet...)
	for {
		progressed, err := s.step()
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

func (s *FLVSource) step() (bool, error) {
	switch s.state {
	case flvWantHeader:
		header, n, err := flv.ParseHeader(s.pending)
		if errors.Is(err, binparser.ErrShortData) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		s.header = header
		s.Publish(header.Raw)
		s.pending = s.pending[n:]
		s.state = flvWantTagHeader
		return true, nil

	case flvWantTagHeader:
		tag, n, err := flv.ParseTag(s.pending)
		if errors.Is(err, binparser.ErrShortData) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		s.current = tag
		s.pending = s.pending[n:]
		s.state = flvWantTagBody
		return true, nil

	case flvWantTagBody:
		bodyLen := s.current.DataSize + flv.TagTrailerSize
		if len(s.pending) < bodyLen {
			return false, nil
		}
		s.current.Body = append([]byte(nil), s.pending[:bodyLen]...)
		s.pending = s.pending[bodyLen:]

		initial, err := s.checkInitialTag(s.current)
		if err != nil {
			return false, err
		}
		if initial {
			s.Publish(s.current.Raw)
			s.Publish(s.current.Body)
		} else if err := s.addToGroup(s.current); err != nil {
			return false, err
		}
		s.current = nil
		s.state = flvWantTagHeader
		return true, nil
	}
	return false, nil
}

// checkInitialTag records and reports the one-time setup tags every
// consumer must receive before any media.
func (s *FLVSource) checkInitialTag(tag *flv.Tag) (bool, error) {
	switch {
	case !s.gotMeta && tag.Type == flv.TagMeta:
		s.gotMeta = true
		s.initialTags = append(s.initialTags, tag)
		return true, nil

	case !s.gotAudio && tag.Type == flv.TagAudio:
		if len(tag.Body) < flv.AudioInfoSize() {
			return false, nil
		}
		info, err := flv.ParseAudioInfo(tag.Body)
		if err != nil {
			return false, err
		}
		if info.SoundFormat == flv.SoundAAC && info.AACPacketType == flv.AACSequenceHeader {
			s.gotAudio = true
			s.initialTags = append(s.initialTags, tag)
			return true, nil
		}

	case !s.gotVideo && tag.Type == flv.TagVideo:
		if len(tag.Body) < flv.VideoInfoSize() {
			return false, nil
		}
		info, err := flv.ParseVideoInfo(tag.Body)
		if err != nil {
			return false, err
		}
		if info.Codec == flv.CodecAVC && info.AVCPacketType == flv.AVCSequenceHeader {
			s.gotVideo = true
			s.initialTags = append(s.initialTags, tag)
			return true, nil
		}
	}
	return false, nil
}

// addToGroup closes the current group when tag is a sync point, publishing
// it as one blob and appending it to the burst history.
func (s *FLVSource) addToGroup(tag *flv.Tag) error {
	sync, err := s.isSyncPoint(tag)
	if err != nil {
		return err
	}
	if sync && len(s.group) > 0 {
		blob := concatTags(s.group)
		s.Publish(blob)
		if s.groupSynced {
			s.addToBurstGroups(s.group, blob)
		}
		s.group = nil
	}
	if len(s.group) == 0 {
		s.groupSynced = sync
	}
	s.group = append(s.group, tag)
	return nil
}

func (s *FLVSource) addToBurstGroups(group []*flv.Tag, blob []byte) {
	// Keep at most BurstDuration between the incoming group and the
	// second-oldest retained group (dropping down to one group is never
	// useful for a starting decoder).
	limit := uint32(BurstDuration / time.Millisecond)
	for len(s.burstGroups) >= 2 &&
		group[0].Timestamp-s.burstGroups[1][0].Timestamp > limit {
		s.burstGroups = s.burstGroups[1:]
		s.burstData = s.burstData[1:]
	}
	s.burstGroups = append(s.burstGroups, group)
	s.burstData = append(s.burstData, blob)
}

// isSyncPoint: with video present only keyframe video tags can start a
// consumer; audio-only streams are joinable anywhere.
func (s *FLVSource) isSyncPoint(tag *flv.Tag) (bool, error) {
	if !s.header.Video {
		return true, nil
	}
	if tag.Type != flv.TagVideo {
		return false, nil
	}
	if len(tag.Body) < flv.VideoInfoSize() {
		return false, nil
	}
	info, err := flv.ParseVideoInfo(tag.Body)
	if err != nil {
		return false, err
	}
	return info.FrameType == flv.FrameKeyframe, nil
}

func concatTags(tags []*flv.Tag) []byte {
	size := 0
	for _, t := range tags {
		size += len(t.Raw) + len(t.Body)
	}
	blob := make([]byte, 0, size)
	for _, t := range tags {
		blob = append(blob, t.Raw...)
		blob = append(blob, t.Body...)
	}
	return blob
}

// NewClient replays header, setup tags, then the burst groups, in that
// order, before any live bytes reach the consumer.
func (s *FLVSource) NewClient(c Client) {
	s.baseSource.NewClient(c)
	if s.header == nil {
		return
	}
	c.AddPacket(s.header.Raw)
	for _, tag := range s.initialTags {
		c.AddPacket(tag.Raw)
		c.AddPacket(tag.Body)
	}
	for _, blob := range s.burstData {
		c.AddPacket(blob)
	}
}

func (s *FLVSource) OnDemandDeactivate() {
	s.header = nil
	s.initialTags = nil
	s.gotMeta, s.gotAudio, s.gotVideo = false, false, false
	s.group = nil
	s.groupSynced = false
	s.burstGroups = nil
	s.burstData = nil
	s.pending = nil
	s.current = nil
	s.state = flvWantHeader
	s.baseSource.OnDemandDeactivate()
}

func (s *FLVSource) OnDemandConnected(fd int, resp *httpmsg.Response, addr string) {
	if resp != nil {
		s.pending = append([]byte(nil), resp.Body...)
	}
	s.baseSource.OnDemandConnected(fd, resp, addr)
}
