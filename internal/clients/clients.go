// Package clients implements the consumer side: the generic one-shot HTTP
// responder and the stream consumers whose lifetime is controlled by their
// source.
package clients

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aircast/aircast/internal/bufevent"
	"github.com/aircast/aircast/internal/httpmsg"
	"github.com/aircast/aircast/internal/looping"
	"github.com/aircast/aircast/internal/sources"
)

// Env is the server surface client handlers depend on.
type Env interface {
	Loop() *looping.Loop
	Now() time.Time
	UpdateActivity(h looping.Handler)
	ResetInactivityTimeout(h looping.Handler)
	RemoveInactivityTimeout(h looping.Handler)
	// RemoveClient drops c from the source registry.
	RemoveClient(c Consumer)
	// RequestOut reports a finished request to the stats sinks.
	RequestOut(req *httpmsg.Request, addr string, bytesSent int64, connectTime time.Time, status int)
}

// Consumer is the registry's view of a stream client.
type Consumer interface {
	looping.Handler
	Addr() string
	Source() sources.Source
	SetSource(src sources.Source)
	AddPacket(packet []byte)
	QueueSize() int
}

// HTTPHandler writes one prepared response and closes. It is the handler
// for every non-streaming reply (errors, status pages) and the base of the
// stream consumers.
type HTTPHandler struct {
	env  Env
	fd   int
	addr string
	req  *httpmsg.Request
	out  *bufevent.OutputBuffer

	// self is the concrete handler (stream clients embed this one), so
	// timers armed here close through the right Close.
	self looping.Handler

	status      int
	connectTime time.Time
	bytesSent   int64
	closed      bool
}

// NewHTTPHandler prepares a responder; the response is queued immediately
// and flushed once the loop reports the socket writable.
func NewHTTPHandler(env Env, fd int, addr string, req *httpmsg.Request, response *httpmsg.ResponseWriter, maxQueue int) *HTTPHandler {
	h := &HTTPHandler{
		env:         env,
		fd:          fd,
		addr:        addr,
		req:         req,
		out:         bufevent.New(fd, maxQueue, response.Bytes()),
		status:      response.Status,
		connectTime: env.Now(),
	}
	h.self = h
	return h
}

func (h *HTTPHandler) FD() int                  { return h.fd }
func (h *HTTPHandler) Addr() string             { return h.addr }
func (h *HTTPHandler) QueueSize() int           { return h.out.QueueSize() }
func (h *HTTPHandler) BytesSent() int64         { return h.bytesSent }
func (h *HTTPHandler) ConnectTime() time.Time   { return h.connectTime }
func (h *HTTPHandler) Request() *httpmsg.Request { return h.req }

func (h *HTTPHandler) String() string {
	path := "-"
	if h.req != nil {
		path = h.req.Path
	}
	return fmt.Sprintf("client %s (%s)", path, h.addr)
}

// flush pushes queued bytes out. A returned error is fatal for the
// handler; the caller closes through its own Close so registry cleanup
// runs for the concrete type.
func (h *HTTPHandler) flush() error {
	sent, err := h.out.Flush()
	if sent > 0 {
		h.env.UpdateActivity(h.self)
		h.bytesSent += int64(sent)
	}
	return err
}

// fatalFlushReason classifies flush errors the handler resolves by closing
// quietly (as opposed to loop-level failures worth a stack in the log).
func fatalFlushReason(err error) (string, bool) {
	if _, ok := err.(*bufevent.QueueSizeExceededError); ok {
		return "queue size exceeded", true
	}
	if bufevent.IsPeerClosed(err) {
		return "connection closed by peer", true
	}
	return "", false
}

func (h *HTTPHandler) HandleEvent(events uint32) error {
	if events&looping.EventOut != 0 {
		if err := h.flush(); err != nil {
			if reason, ok := fatalFlushReason(err); ok {
				log.Printf("clients: %s for %s: %v", reason, h, err)
				h.Close()
				return nil
			}
			return err
		}
		if h.out.Empty() {
			h.Close()
		}
		return nil
	}
	if events&(looping.EventErr|looping.EventHup) != 0 {
		log.Printf("clients: connection closed by %s", h)
		h.Close()
		return nil
	}
	return fmt.Errorf("%s: unexpected events %s", h, looping.EventMaskString(events))
}

func (h *HTTPHandler) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.env.RemoveInactivityTimeout(h)
	h.env.RequestOut(h.req, h.addr, h.bytesSent, h.connectTime, h.status)
	h.env.Loop().UnregisterFD(h.fd)
	if h.fd >= 0 {
		_ = unix.Close(h.fd)
		h.fd = -1
	}
}

// Closed reports whether the handler already shut down.
func (h *HTTPHandler) Closed() bool { return h.closed }

// StreamClient consumes one source's stream. It never finishes on its own:
// the source's lifetime (or a timeout/overflow) decides when it closes.
type StreamClient struct {
	HTTPHandler
	source       sources.Source
	timeoutArmed bool
}

// streamResponse builds the 200 head for a stream consumer: unbounded body.
func streamResponse(contentType string) *httpmsg.ResponseWriter {
	return httpmsg.NewResponse(200, "OK").
		Header("Content-Type", contentType).
		OmitHeader("Content-Length")
}

// NewStreamClient builds a consumer for src. The caller registers it and
// calls src.NewClient to replay setup and burst data.
func NewStreamClient(env Env, src sources.Source, fd int, addr string, req *httpmsg.Request, maxQueue int) *StreamClient {
	c := &StreamClient{source: src}
	c.initStream(env, fd, addr, req, streamResponse(src.ContentType()), maxQueue)
	return c
}

func (c *StreamClient) initStream(env Env, fd int, addr string, req *httpmsg.Request, response *httpmsg.ResponseWriter, maxQueue int) {
	c.env = env
	c.fd = fd
	c.addr = addr
	c.req = req
	c.out = bufevent.New(fd, maxQueue, response.Bytes())
	c.status = response.Status
	c.connectTime = env.Now()
	c.self = c
	// Stream consumers idle legitimately; the inactivity timer only runs
	// while bytes are queued.
	env.RemoveInactivityTimeout(c)
}

func (c *StreamClient) Source() sources.Source       { return c.source }
func (c *StreamClient) SetSource(src sources.Source) { c.source = src }

// AddPacket queues packet and makes sure the loop will tell us when the
// socket drains. The inactivity timer only runs while there is queued data:
// an idle-but-caught-up consumer is healthy.
func (c *StreamClient) AddPacket(packet []byte) {
	c.out.Add(packet)
	if !c.timeoutArmed {
		c.timeoutArmed = true
		c.env.ResetInactivityTimeout(c)
	}
	if err := c.env.Loop().Register(c, looping.EventOut); err != nil {
		log.Printf("clients: register %s for write: %v", c, err)
	}
}

func (c *StreamClient) HandleEvent(events uint32) error {
	if events&looping.EventOut != 0 {
		if err := c.flush(); err != nil {
			if reason, ok := fatalFlushReason(err); ok {
				log.Printf("clients: %s for %s: %v", reason, c, err)
				c.Close()
				return nil
			}
			return err
		}
		if c.out.Empty() {
			// Drained: stop write notifications and disarm the timer
			// until the next packet queues up.
			if err := c.env.Loop().Register(c, 0); err != nil {
				log.Printf("clients: park %s: %v", c, err)
			}
			c.env.RemoveInactivityTimeout(c)
			c.timeoutArmed = false
		}
		return nil
	}
	if events&(looping.EventErr|looping.EventHup) != 0 {
		log.Printf("clients: connection closed by %s", c)
		c.Close()
		return nil
	}
	return fmt.Errorf("%s: unexpected events %s", c, looping.EventMaskString(events))
}

func (c *StreamClient) Close() {
	if c.Closed() {
		return
	}
	c.env.RemoveClient(c)
	c.HTTPHandler.Close()
}
