package clients

import (
	"bytes"
	"strconv"

	"github.com/aircast/aircast/internal/httpmsg"
	"github.com/aircast/aircast/internal/sources"
)

// ICYMetaInterval is the payload cadence at which metadata units are
// spliced into a Shoutcast consumer's stream.
const ICYMetaInterval = 32 << 10

// ShoutcastSource is the part of a Shoutcast source a consumer reads.
type ShoutcastSource interface {
	sources.Source
	ICYHeaders() map[string]string
	HasMetadata() bool
	Metadata() []byte
}

// ShoutcastClient is a StreamClient that re-emits the producer's icy-*
// headers and, when the consumer asked with Icy-Metadata: 1, splices ICY
// metadata into the payload every ICYMetaInterval bytes.
type ShoutcastClient struct {
	StreamClient
	icy *shoutcastSplicer
}

type shoutcastSplicer struct {
	source     ShoutcastSource
	bytesCount int
	metadata   []byte
}

// NewShoutcastClient builds a consumer for a Shoutcast source.
func NewShoutcastClient(env Env, src ShoutcastSource, fd int, addr string, req *httpmsg.Request, maxQueue int) *ShoutcastClient {
	response := streamResponse(src.ContentType())
	for name, value := range src.ICYHeaders() {
		if name == "icy-metaint" {
			continue
		}
		response.Header(name, value)
	}

	c := &ShoutcastClient{}
	wantsMetadata := req != nil && req.Headers.Get("Icy-Metadata") == "1" && src.HasMetadata()
	if wantsMetadata {
		response.Header("icy-metaint", strconv.Itoa(ICYMetaInterval))
		c.icy = &shoutcastSplicer{source: src}
	}
	c.source = src
	c.initStream(env, fd, addr, req, response, maxQueue)
	return c
}

func (c *ShoutcastClient) AddPacket(packet []byte) {
	if c.icy == nil {
		c.StreamClient.AddPacket(packet)
		return
	}
	c.StreamClient.AddPacket(c.icy.splice(packet))
}

// splice inserts a metadata unit at every interval boundary: the source's
// current unit when it changed since the last emission, a single zero byte
// (empty unit) otherwise.
func (s *shoutcastSplicer) splice(packet []byte) []byte {
	var out []byte
	for len(packet) > 0 {
		if s.bytesCount+len(packet) <= ICYMetaInterval {
			out = append(out, packet...)
			s.bytesCount += len(packet)
			break
		}
		take := ICYMetaInterval - s.bytesCount
		out = append(out, packet[:take]...)
		packet = packet[take:]
		current := s.source.Metadata()
		if len(current) > 0 && !bytes.Equal(s.metadata, current) {
			s.metadata = current
			out = append(out, current...)
		} else {
			out = append(out, 0)
		}
		s.bytesCount = 0
	}
	return out
}
