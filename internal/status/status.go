// Package status implements the status endpoint renderers: plain text,
// JSON, static file, and prometheus exposition. Renderers are named
// factories bound to paths by configuration.
package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/aircast/aircast/internal/config"
	"github.com/aircast/aircast/internal/httpmsg"
)

// ClientInfo describes one consumer in a snapshot.
type ClientInfo struct {
	FD        int
	Addr      string
	QueueSize int
}

// SourceInfo describes one source in a snapshot.
type SourceInfo struct {
	ID          string
	Addr        string
	ContentType string
	OnDemand    string
	TS          map[string]any // non-nil for MPEG-TS sources
	Clients     []ClientInfo
}

// MountInfo describes one mount path in a snapshot.
type MountInfo struct {
	Path    string
	Sources []SourceInfo
}

// Snapshot is the registry state a renderer works from.
type Snapshot struct {
	Mounts []MountInfo
}

// ServerInfo is the server surface renderers depend on.
type ServerInfo interface {
	StatusSnapshot() Snapshot
}

// Renderer produces a response for a status request.
type Renderer interface {
	Render(req *httpmsg.Request) *httpmsg.ResponseWriter
}

// Factory builds a renderer from its config entry.
type Factory func(server ServerInfo, entry config.HandlerConfig) (Renderer, error)

var factories = map[string]Factory{
	"plain":   newPlain,
	"json":    newJSON,
	"static":  newStatic,
	"metrics": newMetrics,
}

// RegisterFactory installs a custom renderer factory.
func RegisterFactory(name string, f Factory) {
	factories[name] = f
}

// Build constructs the path -> renderer table from configuration.
func Build(server ServerInfo, cfg *config.Config) (map[string]Renderer, error) {
	renderers := make(map[string]Renderer, len(cfg.Status))
	for path, entry := range cfg.Status {
		factory, ok := factories[entry.Handler]
		if !ok {
			return nil, fmt.Errorf("status: unknown handler %q", entry.Handler)
		}
		r, err := factory(server, entry)
		if err != nil {
			return nil, fmt.Errorf("status: %s: %w", entry.Handler, err)
		}
		renderers[path] = r
	}
	return renderers, nil
}

// plainRenderer pretty-prints the registry.
type plainRenderer struct {
	server ServerInfo
}

func newPlain(server ServerInfo, _ config.HandlerConfig) (Renderer, error) {
	return &plainRenderer{server: server}, nil
}

func (r *plainRenderer) Render(req *httpmsg.Request) *httpmsg.ResponseWriter {
	snap := r.server.StatusSnapshot()
	var b bytes.Buffer
	for _, mount := range snap.Mounts {
		fmt.Fprintf(&b, "%s\n", mount.Path)
		for _, src := range mount.Sources {
			fmt.Fprintf(&b, "  source %s %s (%s, %s): %d client(s)\n",
				src.ID, src.Addr, src.ContentType, src.OnDemand, len(src.Clients))
			for _, c := range src.Clients {
				fmt.Fprintf(&b, "    fd %d %s, %d byte(s) queued\n", c.FD, c.Addr, c.QueueSize)
			}
		}
	}
	if b.Len() == 0 {
		b.WriteString("no sources\n")
	}
	return httpmsg.NewResponse(200, "OK").
		Header("Content-Type", "text/plain").
		SetBody(b.Bytes())
}

// jsonRenderer serves machine-readable status including queue-depth
// aggregates across every consumer.
type jsonRenderer struct {
	server ServerInfo
}

func newJSON(server ServerInfo, _ config.HandlerConfig) (Renderer, error) {
	return &jsonRenderer{server: server}, nil
}

func (r *jsonRenderer) Render(req *httpmsg.Request) *httpmsg.ResponseWriter {
	snap := r.server.StatusSnapshot()

	totalClients := 0
	var queueSizes []int
	sourcesDoc := make(map[string]any, len(snap.Mounts))

	for _, mount := range snap.Mounts {
		mountDoc := make(map[string]any, len(mount.Sources))
		for _, src := range mount.Sources {
			clientsDoc := make(map[string]string, len(src.Clients))
			for _, c := range src.Clients {
				clientsDoc[fmt.Sprintf("%d", c.FD)] = c.Addr
				queueSizes = append(queueSizes, c.QueueSize)
				totalClients++
			}
			srcDoc := map[string]any{
				"id":           src.ID,
				"content_type": src.ContentType,
				"on_demand":    src.OnDemand,
				"clients":      clientsDoc,
			}
			if src.TS != nil {
				srcDoc["mpegts"] = src.TS
			}
			mountDoc[fmt.Sprintf("%s (%s)", src.Addr, src.ID)] = srcDoc
		}
		sourcesDoc[mount.Path] = mountDoc
	}

	sort.Ints(queueSizes)
	if len(queueSizes) == 0 {
		queueSizes = []int{-1}
	}
	sum := 0
	for _, s := range queueSizes {
		sum += s
	}
	doc := map[string]any{
		"total_clients_number":      totalClients,
		"pid":                       os.Getpid(),
		"max_buffer_queue_size":     queueSizes[len(queueSizes)-1],
		"min_buffer_queue_size":     queueSizes[0],
		"median_buffer_queue_size":  queueSizes[totalClients/2],
		"average_buffer_queue_size": float64(sum) / float64(len(queueSizes)),
		"sources":                   sourcesDoc,
	}
	body, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return httpmsg.NewResponse(500, "Internal Server Error").
			Header("Content-Type", "text/plain").
			SetBody([]byte("status serialization failed\n"))
	}
	return httpmsg.NewResponse(200, "OK").
		Header("Content-Type", "application/json").
		SetBody(append(body, '\n'))
}

// staticRenderer serves a file from disk, re-read on every request.
type staticRenderer struct {
	filename string
}

func newStatic(_ ServerInfo, entry config.HandlerConfig) (Renderer, error) {
	filename := entry.String("static_file")
	if filename == "" {
		return nil, fmt.Errorf("static renderer requires \"static_file\"")
	}
	return &staticRenderer{filename: filename}, nil
}

func (r *staticRenderer) Render(req *httpmsg.Request) *httpmsg.ResponseWriter {
	body, err := os.ReadFile(r.filename)
	if err != nil {
		return httpmsg.NewResponse(500, "Internal Server Error").
			Header("Content-Type", "text/plain").
			SetBody([]byte("failed to open static status file\n"))
	}
	return httpmsg.NewResponse(200, "OK").
		Header("Content-Type", "application/octet-stream").
		SetBody(body)
}

// metricsRenderer serves the prometheus registry in text exposition
// format.
type metricsRenderer struct{}

func newMetrics(_ ServerInfo, _ config.HandlerConfig) (Renderer, error) {
	return &metricsRenderer{}, nil
}

func (r *metricsRenderer) Render(req *httpmsg.Request) *httpmsg.ResponseWriter {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return httpmsg.NewResponse(500, "Internal Server Error").
			Header("Content-Type", "text/plain").
			SetBody([]byte("metrics gather failed\n"))
	}
	var b bytes.Buffer
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	encoder := expfmt.NewEncoder(&b, format)
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return httpmsg.NewResponse(500, "Internal Server Error").
				Header("Content-Type", "text/plain").
				SetBody([]byte("metrics encode failed\n"))
		}
	}
	return httpmsg.NewResponse(200, "OK").
		Header("Content-Type", string(format)).
		SetBody(b.Bytes())
}
