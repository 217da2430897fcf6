package objstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// uploadCapture records every upload against a fake GCS endpoint. It answers
// both single-shot multipart uploads and the resumable protocol.
type uploadCapture struct {
	mu     sync.Mutex
	bodies []string
}

func (c *uploadCapture) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Helper()
		body, _ := io.ReadAll(r.Body)
		switch {
		case r.Method == http.MethodPost && r.URL.Query().Get("uploadType") == "resumable":
			w.Header().Set("Location", "http://"+r.Host+"/upload-session")
			w.WriteHeader(http.StatusOK)
			return
		case r.Method == http.MethodPost, r.Method == http.MethodPut:
			c.mu.Lock()
			c.bodies = append(c.bodies, string(body))
			c.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"obj","bucket":"audit-archive"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	})
}

func (c *uploadCapture) all() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.bodies, "\n---\n")
}

func TestGCSArchiver_WritesSegmentAndReceipt(t *testing.T) {
	capture := &uploadCapture{}
	srv := httptest.NewServer(capture.handler(t))
	defer srv.Close()

	ctx := context.Background()
	client, err := storage.NewClient(ctx,
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	arch := NewGCSArchiverWithClient(client, "audit-archive", "cold")
	lines := [][]byte{
		[]byte(`{"audit_id":"aud-1"}`),
		[]byte(`{"audit_id":"aud-2"}`),
	}
	require.NoError(t, arch.ArchiveSegment(ctx, "chain-1", "seg-00000001", lines, testReceipt()))

	uploaded := capture.all()
	assert.Contains(t, uploaded, `{"audit_id":"aud-1"}`)
	assert.Contains(t, uploaded, `{"audit_id":"aud-2"}`)
	assert.Contains(t, uploaded, `"root_hash":"abc123"`)
}
