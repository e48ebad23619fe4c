package server

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"regexp"

	"golang.org/x/sys/unix"

	"github.com/aircast/aircast/internal/clients"
	"github.com/aircast/aircast/internal/httpmsg"
	"github.com/aircast/aircast/internal/looping"
	"github.com/aircast/aircast/internal/sources"
)

// RequestMaxSize caps a request head; anything larger is hostile or broken.
const RequestMaxSize = 4096

var slashRuns = regexp.MustCompile(`//+`)

// httpConn reads one request head off an accepted connection, then
// transforms the connection into the appropriate handler (source, stream
// client, or one-shot responder). The fd is owned by httpConn only until
// that handoff.
type httpConn struct {
	server *Server
	fd     int
	addr   string
	buf    []byte
	done   bool
	closed bool
}

func newHTTPConn(server *Server, fd int, addr string) *httpConn {
	return &httpConn{server: server, fd: fd, addr: addr}
}

func (c *httpConn) FD() int { return c.fd }

func (c *httpConn) String() string {
	return fmt.Sprintf("connection from %s", c.addr)
}

func (c *httpConn) HandleEvent(events uint32) error {
	if events&looping.EventIn == 0 {
		if events&(looping.EventErr|looping.EventHup) != 0 {
			c.Close()
			return nil
		}
		return fmt.Errorf("%s: unexpected events %s", c, looping.EventMaskString(events))
	}
	buf := make([]byte, RequestMaxSize)
	for !c.done {
		n, err := unix.Read(c.fd, buf[:RequestMaxSize-len(c.buf)])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: read: %w", c, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: unexpected end of stream in request", c)
		}
		c.buf = append(c.buf, buf[:n]...)
		req, perr := httpmsg.ParseRequest(c.buf)
		if perr == nil {
			c.done = true
			c.transform(req)
			return nil
		}
		if !errors.Is(perr, httpmsg.ErrIncomplete) {
			return fmt.Errorf("%s: invalid request: %w", c, perr)
		}
		if len(c.buf) >= RequestMaxSize {
			return fmt.Errorf("%s: oversized request (%d bytes)", c, len(c.buf))
		}
	}
	return nil
}

// respond swaps this connection for a one-shot responder.
func (c *httpConn) respond(req *httpmsg.Request, response *httpmsg.ResponseWriter) {
	h := clients.NewHTTPHandler(c.server, c.fd, c.addr, req, response, c.server.queueSize)
	if err := c.server.loop.Register(h, looping.EventOut); err != nil {
		log.Printf("server: register responder for %s: %v", c, err)
		h.Close()
	}
}

// transform routes the parsed request. After this returns the fd belongs
// to whichever handler was registered in our place.
func (c *httpConn) transform(req *httpmsg.Request) {
	srv := c.server

	log.Printf("server: %s %s %s from %s", req.Method, req.Path, req.Version, c.addr)

	req.Path = slashRuns.ReplaceAllString(req.Path, "/")

	srv.requestIn(req, c.addr)

	if result := srv.authorize(c.addr, req); result.Response != nil {
		c.respond(req, result.Response)
		return
	}

	switch req.Method {
	case "PUT", "SOURCE", "POST":
		c.transformSource(req)
	case "GET":
		if renderer, ok := srv.statusPaths[req.Path]; ok {
			c.respond(req, renderer.Render(req))
			return
		}
		c.transformClient(req)
	case "HEAD":
		if src := srv.anySource(req.Path); src != nil {
			c.respond(req, httpmsg.NewResponse(200, "OK").
				Header("Content-Type", src.ContentType()))
			return
		}
		c.respond(req, httpmsg.NewResponse(404, "Stream Not Found"))
	default:
		c.respond(req, httpmsg.NewResponse(405, "Method Not Allowed"))
	}
}

// transformSource turns the connection into an ingest source.
func (c *httpConn) transformSource(req *httpmsg.Request) {
	srv := c.server
	contentType := req.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	mount := srv.cfg.MountFor(req.Path)
	opts := sources.Options{
		Path:      req.Path,
		BurstSize: srv.cfg.EffectiveBurstSize(mount),
		Keepalive: srv.cfg.EffectiveKeepalive(mount),
	}
	src, err := sources.New(srv, c.fd, c.addr, contentType, req, opts)
	if err != nil {
		log.Printf("server: build source for %s: %v", c, err)
		c.respond(req, httpmsg.NewResponse(501, "Not Implemented"))
		return
	}
	log.Printf("server: new source for %s: %s", req.Path, c.addr)
	srv.RegisterSource(src)
}

// transformClient turns the connection into a stream consumer.
func (c *httpConn) transformClient(req *httpmsg.Request) {
	srv := c.server

	candidates := srv.sourcesFor(req.Path)
	if len(candidates) == 0 {
		c.respond(req, httpmsg.NewResponse(404, "Stream Not Found"))
		return
	}
	if srv.clientsLimit > 0 && srv.totalClients() >= srv.clientsLimit {
		c.respond(req, httpmsg.NewResponse(503, "Cannot handle response. Too many clients."))
		return
	}

	// Several sources may feed one path; spread consumers across them.
	src := candidates[rand.Intn(len(candidates))]

	var consumer clients.Consumer
	if shoutcast, ok := src.(clients.ShoutcastSource); ok {
		consumer = clients.NewShoutcastClient(srv, shoutcast, c.fd, c.addr, req, srv.queueSize)
	} else {
		consumer = clients.NewStreamClient(srv, src, c.fd, c.addr, req, srv.queueSize)
	}

	srv.addClient(src, consumer)
	src.NewClient(consumer)
	if err := srv.loop.Register(consumer, looping.EventOut); err != nil {
		log.Printf("server: register client for %s: %v", c, err)
		consumer.Close()
	}
}

// Close is only reached while the connection still owns its fd (parse
// failure, timeout, peer hangup before a full request).
func (c *httpConn) Close() {
	if c.closed || c.done {
		c.closed = true
		return
	}
	c.closed = true
	c.server.RemoveInactivityTimeout(c)
	c.server.loop.UnregisterFD(c.fd)
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
}
