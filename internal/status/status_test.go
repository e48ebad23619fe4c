package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircast/aircast/internal/config"
	"github.com/aircast/aircast/internal/httpmsg"
)

type fakeServer struct {
	snap Snapshot
}

func (f *fakeServer) StatusSnapshot() Snapshot { return f.snap }

func oneSourceTwoClients() Snapshot {
	return Snapshot{Mounts: []MountInfo{{
		Path: "/radio",
		Sources: []SourceInfo{{
			ID:          "src-1",
			Addr:        "10.0.0.1:4000",
			ContentType: "audio/mpeg",
			OnDemand:    "disabled",
			Clients: []ClientInfo{
				{FD: 7, Addr: "10.0.0.2:1111", QueueSize: 100},
				{FD: 9, Addr: "10.0.0.3:2222", QueueSize: 300},
			},
		}},
	}}}
}

func buildRenderers(t *testing.T, server ServerInfo, doc string) map[string]Renderer {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	renderers, err := Build(server, cfg)
	require.NoError(t, err)
	return renderers
}

func TestJSONStatus(t *testing.T) {
	server := &fakeServer{snap: oneSourceTwoClients()}
	renderers := buildRenderers(t, server,
		`{"status": {"/status.json": {"handler": "json"}}}`)
	r := renderers["/status.json"]
	require.NotNil(t, r)

	response := r.Render(&httpmsg.Request{Method: "GET", Path: "/status.json"})
	require.Equal(t, 200, response.Status)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(response.Body, &doc))
	assert.Equal(t, float64(2), doc["total_clients_number"])
	assert.Equal(t, float64(os.Getpid()), doc["pid"])
	assert.Equal(t, float64(300), doc["max_buffer_queue_size"])
	assert.Equal(t, float64(100), doc["min_buffer_queue_size"])
	// Floor-division median of [100 300] with two clients: index 1.
	assert.Equal(t, float64(300), doc["median_buffer_queue_size"])
	assert.Equal(t, float64(200), doc["average_buffer_queue_size"])

	srcs := doc["sources"].(map[string]any)
	require.Contains(t, srcs, "/radio")
}

func TestJSONStatusEmpty(t *testing.T) {
	renderers := buildRenderers(t, &fakeServer{},
		`{"status": {"/status.json": {"handler": "json"}}}`)
	response := renderers["/status.json"].Render(nil)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(response.Body, &doc))
	assert.Equal(t, float64(0), doc["total_clients_number"])
	assert.Equal(t, float64(-1), doc["max_buffer_queue_size"])
	assert.Equal(t, float64(-1), doc["median_buffer_queue_size"])
}

func TestPlainStatus(t *testing.T) {
	renderers := buildRenderers(t, &fakeServer{snap: oneSourceTwoClients()},
		`{"status": {"/status": {"handler": "plain"}}}`)
	response := renderers["/status"].Render(nil)
	require.Equal(t, 200, response.Status)
	body := string(response.Body)
	assert.Contains(t, body, "/radio")
	assert.Contains(t, body, "10.0.0.1:4000")
	assert.Contains(t, body, "2 client(s)")
}

func TestStaticStatus(t *testing.T) {
	file := filepath.Join(t.TempDir(), "status.html")
	require.NoError(t, os.WriteFile(file, []byte("<ok/>"), 0o644))

	renderers := buildRenderers(t, &fakeServer{},
		`{"status": {"/s": {"handler": "static", "static_file": "`+file+`"}}}`)
	response := renderers["/s"].Render(nil)
	require.Equal(t, 200, response.Status)
	assert.Equal(t, []byte("<ok/>"), response.Body)
}

func TestStaticStatusMissingFile(t *testing.T) {
	renderers := buildRenderers(t, &fakeServer{},
		`{"status": {"/s": {"handler": "static", "static_file": "/does/not/exist"}}}`)
	response := renderers["/s"].Render(nil)
	assert.Equal(t, 500, response.Status)
}

func TestStaticStatusRequiresFile(t *testing.T) {
	cfg, err := config.Parse([]byte(`{"status": {"/s": {"handler": "static"}}}`))
	require.NoError(t, err)
	_, err = Build(&fakeServer{}, cfg)
	require.Error(t, err)
}

func TestMetricsStatus(t *testing.T) {
	renderers := buildRenderers(t, &fakeServer{},
		`{"status": {"/metrics": {"handler": "metrics"}}}`)
	response := renderers["/metrics"].Render(nil)
	require.Equal(t, 200, response.Status)
	// The Go runtime collectors are registered by default.
	assert.Contains(t, string(response.Body), "go_goroutines")
}

func TestBuildUnknownRenderer(t *testing.T) {
	cfg, err := config.Parse([]byte(`{"status": {"/s": {"handler": "wat"}}}`))
	require.NoError(t, err)
	_, err = Build(&fakeServer{}, cfg)
	require.Error(t, err)
}
