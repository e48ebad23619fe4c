package sources

import (
	"strconv"

	"github.com/aircast/aircast/internal/audio"
	"github.com/aircast/aircast/internal/httpmsg"
)

// icyHeaderNames are the producer-advertised headers re-emitted to
// consumers that ask for them.
var icyHeaderNames = []string{
	"icy-name", "icy-genre", "icy-url", "icy-pub", "icy-br",
	"icy-metaint", "icy-notice1", "icy-notice2",
}

// ShoutcastSource ingests an MP3 or ADTS stream, stripping in-band ICY
// metadata when the producer advertised Icy-Metaint, and publishes only
// frame-aligned bytes. The latest metadata unit is kept for consumers that
// splice their own metadata stream.
type ShoutcastSource struct {
	BufferedRawSource

	aligner audio.Aligner

	icyHeaders map[string]string
	metaint    int

	// ICY de-interleave state: payloadLeft counts payload bytes until the
	// next metadata length byte; metaLeft counts metadata bytes still to
	// collect (0 when not inside a metadata unit).
	payloadLeft int
	metaLeft    int
	metaBuf     []byte
	metadata    []byte

	// initialBody holds stream bytes that arrived with the head; they are
	// fed through the parsers once SetHeaders has configured metadata
	// stripping.
	initialBody []byte
}

func newShoutcast(env Env, fd int, addr, contentType string, body []byte, opts Options, aligner audio.Aligner) *ShoutcastSource {
	s := &ShoutcastSource{aligner: aligner}
	s.setup(env, s, fd, addr, contentType, nil, opts, LowBitrateTempBufferSize, BurstSize)
	// The raw body bytes must go through the ICY/frame parsers, and those
	// are only configured once SetHeaders has run.
	s.icyHeaders = make(map[string]string)
	s.initialBody = append([]byte(nil), body...)
	return s
}

// NewMP3Shoutcast is the Constructor for audio/mpeg and audio/mp3.
func NewMP3Shoutcast(env Env, fd int, addr, contentType string, body []byte, opts Options) (Source, error) {
	return newShoutcast(env, fd, addr, contentType, body, opts, audio.NewMP3Aligner()), nil
}

// NewADTSShoutcast is the Constructor for audio/aacp and audio/aac.
func NewADTSShoutcast(env Env, fd int, addr, contentType string, body []byte, opts Options) (Source, error) {
	return newShoutcast(env, fd, addr, contentType, body, opts, audio.NewADTSAligner()), nil
}

// SetHeaders captures the producer's icy-* headers and arms metadata
// stripping when Icy-Metaint was advertised.
func (s *ShoutcastSource) SetHeaders(h httpmsg.Headers) {
	s.icyHeaders = make(map[string]string)
	for _, name := range icyHeaderNames {
		if v := h.Get(name); v != "" {
			s.icyHeaders[name] = v
		}
	}
	if v := s.icyHeaders["icy-metaint"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.metaint = n
			s.payloadLeft = n
		}
	}
	if body := s.initialBody; len(body) > 0 {
		s.initialBody = nil
		_ = s.HandlePacket(body)
	}
}

// ICYHeaders returns the producer-advertised headers.
func (s *ShoutcastSource) ICYHeaders() map[string]string { return s.icyHeaders }

// HasMetadata reports whether the producer interleaves ICY metadata.
func (s *ShoutcastSource) HasMetadata() bool { return s.metaint > 0 }

// Metadata returns the latest metadata unit, length byte included, or nil.
func (s *ShoutcastSource) Metadata() []byte { return s.metadata }

func (s *ShoutcastSource) HandlePacket(packet []byte) error {
	if body := s.initialBody; len(body) > 0 {
		// No icy headers ever arrived; flush the head's stream bytes first.
		s.initialBody = nil
		packet = append(body, packet...)
	}
	payload := packet
	if s.metaint > 0 {
		payload = s.stripMetadata(packet)
	}
	if len(payload) == 0 {
		return nil
	}
	aligned := s.aligner.Feed(payload)
	if len(aligned) == 0 {
		return nil
	}
	s.pending = append(s.pending, aligned...)
	if len(s.pending) > s.tempBufSize {
		flushed := s.pending
		s.pending = nil
		s.Publish(flushed)
		s.burst.Append(flushed)
	}
	return nil
}

// stripMetadata removes `<len byte> <len*16 bytes>` units every metaint
// payload bytes, keeping the latest complete unit.
func (s *ShoutcastSource) stripMetadata(packet []byte) []byte {
	var payload []byte
	for len(packet) > 0 {
		switch {
		case s.metaLeft > 0:
			take := s.metaLeft
			if take > len(packet) {
				take = len(packet)
			}
			s.metaBuf = append(s.metaBuf, packet[:take]...)
			s.metaLeft -= take
			packet = packet[take:]
			if s.metaLeft == 0 {
				s.metadata = s.metaBuf
				s.metaBuf = nil
				s.payloadLeft = s.metaint
			}
		case s.payloadLeft == 0:
			// The length byte counts 16-byte blocks and is part of the
			// stored unit so clients can splice it verbatim.
			s.metaLeft = int(packet[0]) * 16
			s.metaBuf = append(s.metaBuf[:0], packet[0])
			packet = packet[1:]
			if s.metaLeft == 0 {
				// An empty unit means "unchanged": it only stands in until
				// the first real metadata arrives.
				if len(s.metadata) <= 1 {
					s.metadata = s.metaBuf
				}
				s.metaBuf = nil
				s.payloadLeft = s.metaint
			}
		default:
			take := s.payloadLeft
			if take > len(packet) {
				take = len(packet)
			}
			payload = append(payload, packet[:take]...)
			s.payloadLeft -= take
			packet = packet[take:]
		}
	}
	return payload
}

func (s *ShoutcastSource) OnDemandDeactivate() {
	s.aligner.Clear()
	s.metaBuf = nil
	s.metaLeft = 0
	if s.metaint > 0 {
		s.payloadLeft = s.metaint
	}
	s.BufferedRawSource.OnDemandDeactivate()
}

func (s *ShoutcastSource) OnDemandConnected(fd int, resp *httpmsg.Response, addr string) {
	s.baseSource.OnDemandConnected(fd, resp, addr)
	if resp != nil {
		s.SetHeaders(resp.Headers)
		if len(resp.Body) > 0 {
			_ = s.HandlePacket(append([]byte(nil), resp.Body...))
		}
	}
}
