package sources

import (
	"github.com/aircast/aircast/internal/httpmsg"
)

const (
	// TempBufferSize coalesces small reads before publishing.
	TempBufferSize = 64 << 10
	// BurstSize is the default burst-history byte ceiling.
	BurstSize = 64 << 10

	// LowBitrateTempBufferSize replaces TempBufferSize for audio sources;
	// a 64 KiB coalescing buffer on a 128 kbit/s stream is four seconds of
	// added latency and makes consumers time out.
	LowBitrateTempBufferSize = 8 << 10

	// MPEGTSPacketSize is fixed by the transport stream spec.
	MPEGTSPacketSize = 188
	// MPEGTSRecvBufferSize is a multiple of 7*188 = 1316, the largest
	// whole-packet run that fits a typical 1500-byte MTU.
	MPEGTSRecvBufferSize = 50 * 7 * MPEGTSPacketSize
)

// BufferedRawSource publishes opaque bytes: it coalesces reads into
// temp-buffer-sized units, appends each published unit to the burst queue,
// and replays the queue into new consumers.
type BufferedRawSource struct {
	baseSource
	tempBufSize int
	pending     []byte
	burst       *burstQueue
}

// NewBufferedRaw is the Constructor for unrecognized and octet-stream
// content types.
func NewBufferedRaw(env Env, fd int, addr, contentType string, body []byte, opts Options) (Source, error) {
	s := &BufferedRawSource{}
	s.setup(env, s, fd, addr, contentType, body, opts, TempBufferSize, BurstSize)
	return s, nil
}

func (s *BufferedRawSource) setup(env Env, self Source, fd int, addr, contentType string, body []byte, opts Options, tempBufSize, defaultBurst int) {
	s.init(env, self, fd, addr, contentType, opts)
	s.tempBufSize = tempBufSize
	if s.burstSize <= 0 {
		s.burstSize = defaultBurst
	}
	s.pending = append([]byte(nil), body...)
	s.burst = newBurstQueue(s.burstSize)
}

func (s *BufferedRawSource) HandlePacket(packet []byte) error {
	s.pending = append(s.pending, packet...)
	if len(s.pending) >= s.tempBufSize {
		flushed := s.pending
		s.pending = nil
		s.Publish(flushed)
		s.burst.Append(flushed)
	}
	return nil
}

func (s *BufferedRawSource) NewClient(c Client) {
	s.baseSource.NewClient(c)
	for _, packet := range s.burst.Items() {
		c.AddPacket(packet)
	}
}

func (s *BufferedRawSource) UpdateBurstSize(burstSize int) {
	if burstSize <= 0 {
		burstSize = BurstSize
	}
	s.burstSize = burstSize
	s.burst.SetMaxBytes(burstSize)
}

func (s *BufferedRawSource) OnDemandDeactivate() {
	s.pending = nil
	s.burst.Clear()
	s.baseSource.OnDemandDeactivate()
}

func (s *BufferedRawSource) OnDemandConnected(fd int, resp *httpmsg.Response, addr string) {
	s.baseSource.OnDemandConnected(fd, resp, addr)
	if resp != nil {
		s.pending = append([]byte(nil), resp.Body...)
	}
}

// FixedPacketSizeSource publishes only whole multiples of a fixed packet
// size, retaining the remainder.
type FixedPacketSizeSource struct {
	BufferedRawSource
	packetSize int
}

func (s *FixedPacketSizeSource) HandlePacket(packet []byte) error {
	s.pending = append(s.pending, packet...)
	if len(s.pending) < s.tempBufSize {
		return nil
	}
	whole := len(s.pending) / s.packetSize * s.packetSize
	if whole == 0 {
		return nil
	}
	flushed := s.pending[:whole:whole]
	rest := s.pending[whole:]
	s.pending = append([]byte(nil), rest...)
	s.Publish(flushed)
	s.burst.Append(flushed)
	return nil
}

// MPEGTSSource is a FixedPacketSizeSource tuned for 188-byte TS packets,
// with passive per-PID continuity statistics for the status output.
type MPEGTSSource struct {
	FixedPacketSizeSource
	inspector *tsInspector
}

// NewMPEGTS is the Constructor for video/MP2T and video/mpeg.
func NewMPEGTS(env Env, fd int, addr, contentType string, body []byte, opts Options) (Source, error) {
	s := &MPEGTSSource{}
	s.packetSize = MPEGTSPacketSize
	s.setup(env, s, fd, addr, contentType, body, opts, 2*MPEGTSRecvBufferSize, 2*MPEGTSRecvBufferSize)
	s.recvBufSize = MPEGTSRecvBufferSize
	s.inspector = newTSInspector()
	return s, nil
}

func (s *MPEGTSSource) HandlePacket(packet []byte) error {
	s.inspector.Observe(packet)
	return s.FixedPacketSizeSource.HandlePacket(packet)
}

// TSStats exposes the continuity statistics to the status renderers.
func (s *MPEGTSSource) TSStats() map[string]any {
	return s.inspector.Stats()
}

func (s *MPEGTSSource) OnDemandDeactivate() {
	s.inspector = newTSInspector()
	s.FixedPacketSizeSource.OnDemandDeactivate()
}
