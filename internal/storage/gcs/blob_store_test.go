package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type recorded struct {
	mu   sync.Mutex
	reqs []*http.Request
	body []string
}

func fakeTransport(status int, payload string, rec *recorded) option.ClientOption {
	return option.WithHTTPClient(&http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if rec != nil {
				var body []byte
				if r.Body != nil {
					body, _ = io.ReadAll(r.Body)
				}
				rec.mu.Lock()
				rec.reqs = append(rec.reqs, r)
				rec.body = append(rec.body, string(body))
				rec.mu.Unlock()
			}
			return &http.Response{
				StatusCode: status,
				Body:       io.NopCloser(strings.NewReader(payload)),
				Header:     http.Header{"Content-Type": {"application/json"}},
				Request:    r,
			}, nil
		}),
	})
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "storage client is required")

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication(), fakeTransport(http.StatusOK, `{}`, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	rec := &recorded{}
	s, err := Open(context.Background(), Config{Bucket: "snapshots"},
		option.WithoutAuthentication(), fakeTransport(http.StatusOK, `{"name":"snapshots"}`, rec))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NotEmpty(t, rec.reqs)
	require.Contains(t, rec.reqs[0].URL.Path, "/storage/v1/b/snapshots")
}

func TestOpenFailsOnMissingBucket(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Bucket: "absent"},
		option.WithoutAuthentication(), fakeTransport(http.StatusNotFound, `{"error":{"code":404,"message":"not found"}}`, nil))
	require.ErrorContains(t, err, `get GCS bucket "absent" attributes`)
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	rec := &recorded{}
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication(),
		fakeTransport(http.StatusOK, `{"name":"snapshots/entities/111/r-1.json","bucket":"archive"}`, rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, Config{Bucket: "archive", Prefix: "/snapshots/"})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "entities/111/r-1.json", "application/json", strings.NewReader(`{"id":111}`))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/snapshots/entities/111/r-1.json", uri)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.reqs, 1)
	require.Contains(t, rec.reqs[0].URL.Path, "/b/archive/o")
	require.Contains(t, rec.body[0], `{"id":111}`)
	require.Contains(t, rec.body[0], "snapshots/entities/111/r-1.json")
	require.NoError(t, s.Close())
}

func TestPutObjectRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication(), fakeTransport(http.StatusOK, `{}`, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "  ", "application/json", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")
}
