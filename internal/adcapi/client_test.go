package adcapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/adcsync/internal/remote"
)

// fakePortal serves the subset of the portal API the session uses.
type fakePortal struct {
	t *testing.T

	mu          sync.Mutex
	chunks      []string
	createdFile map[string]any
	folders     []string
	deleted     []string
	failChunk   int
	badFiles    bool
}

func (p *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/Indentity/Login", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("username") != "alice" || r.URL.Query().Get("password") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Empty(p.t, r.Header.Get("Authorization"), "login must not send a bearer token")
		writeTestJSON(w, `{"id":"owner_1","apiToken":"tok_1"}`)
	})
	mux.HandleFunc("/Repos/GetReposByOwnerId", func(w http.ResponseWriter, r *http.Request) {
		p.requireAuth(r)
		assert.Equal(p.t, "owner_1", r.URL.Query().Get("ownerid"))
		writeTestJSON(w, `[{"reposid":"repo_other","name":"Other"},{"reposid":"repo_1","name":"Trellis"}]`)
	})
	mux.HandleFunc("/Folders/GetAccessibleFoldersInRepo", func(w http.ResponseWriter, r *http.Request) {
		p.requireAuth(r)
		assert.Equal(p.t, "repo_1", r.URL.Query().Get("repoId"))
		writeTestJSON(w, `[{"foldersid":"f_trellis","name":"trellis"}]`)
	})
	mux.HandleFunc("/Folders/GetAccessibleSubfolders", func(w http.ResponseWriter, r *http.Request) {
		p.requireAuth(r)
		if r.URL.Query().Get("folderId") != "f_trellis" {
			writeTestJSON(w, `[]`)
			return
		}
		writeTestJSON(w, `[{"foldersid":"f_soil","name":"soil"}]`)
	})
	mux.HandleFunc("/Files/GetAccessibleFiles", func(w http.ResponseWriter, r *http.Request) {
		p.requireAuth(r)
		if p.badFiles {
			writeTestJSON(w, `[{"id":7,"name":"x"}]`)
			return
		}
		writeTestJSON(w, `[{"id":"file_1","size":42,"modifieddate":"2024-02-10T08:30:00.123","name":"2024_02_10","type":"csv"}]`)
	})
	mux.HandleFunc("/Folders/CreateFolders", func(w http.ResponseWriter, r *http.Request) {
		p.requireAuth(r)
		assert.Equal(p.t, http.MethodPost, r.Method)
		q := r.URL.Query()
		assert.Equal(p.t, "repo_1", q.Get("ReposId"))
		assert.NotEmpty(p.t, q.Get("ParentFolderId"))
		_, err := time.Parse(createdOnLayout, q.Get("CreatedOn"))
		assert.NoError(p.t, err, "CreatedOn %q not in portal layout", q.Get("CreatedOn"))
		p.mu.Lock()
		p.folders = append(p.folders, q.Get("Name"))
		p.mu.Unlock()
		writeTestJSON(w, `{"FoldersId":"f_new"}`)
	})
	mux.HandleFunc("/Files/CreateFiles", func(w http.ResponseWriter, r *http.Request) {
		p.requireAuth(r)
		var body map[string]any
		assert.NoError(p.t, json.NewDecoder(r.Body).Decode(&body))
		p.mu.Lock()
		p.createdFile = body
		p.mu.Unlock()
		writeTestJSON(w, `{"id":"file_new"}`)
	})
	mux.HandleFunc("/Files/DeleteFiles", func(w http.ResponseWriter, r *http.Request) {
		p.requireAuth(r)
		p.mu.Lock()
		p.deleted = append(p.deleted, r.URL.Query().Get("Id"))
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ExternalResources/UploadFileChunk/", func(w http.ResponseWriter, r *http.Request) {
		p.requireAuth(r)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.failChunk > 0 {
			p.failChunk--
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("storage offline"))
			return
		}
		file, _, err := r.FormFile("file")
		if !assert.NoError(p.t, err, "expected multipart field file") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		p.chunks = append(p.chunks, strings.TrimPrefix(r.URL.Path, "/ExternalResources/UploadFileChunk/")+"="+string(data))
	})
	return mux
}

func (p *fakePortal) requireAuth(r *http.Request) {
	assert.Equal(p.t, "Bearer tok_1", r.Header.Get("Authorization"), r.URL.Path)
	assert.NotEmpty(p.t, r.Header.Get("X-Correlation-Id"), r.URL.Path)
}

func writeTestJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func connectTestSession(t *testing.T, portal *fakePortal) (*Session, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(portal.handler())
	t.Cleanup(server.Close)
	session, err := Connect(context.Background(), remote.Credentials{
		BaseURL:    server.URL,
		Username:   "alice",
		Password:   "s3cret",
		Repository: "Trellis",
	})
	require.NoError(t, err)
	return session.(*Session), server
}

func TestSessionConnectSelectsRepository(t *testing.T) {
	portal := &fakePortal{t: t}
	session, _ := connectTestSession(t, portal)
	assert.Equal(t, "repo_1", session.client.repoID)
	assert.Equal(t, 20*1024*1024, session.ChunkSize())
}

func TestSessionConnectUnknownRepository(t *testing.T) {
	portal := &fakePortal{t: t}
	server := httptest.NewServer(portal.handler())
	defer server.Close()

	_, err := Connect(context.Background(), remote.Credentials{
		BaseURL: server.URL, Username: "alice", Password: "s3cret", Repository: "Missing",
	})
	assert.ErrorIs(t, err, remote.ErrUnexpectedRemoteState)
}

func TestSessionConnectBadCredentials(t *testing.T) {
	portal := &fakePortal{t: t}
	server := httptest.NewServer(portal.handler())
	defer server.Close()

	_, err := Connect(context.Background(), remote.Credentials{
		BaseURL: server.URL, Username: "alice", Password: "wrong", Repository: "Trellis",
	})
	assert.ErrorIs(t, err, remote.ErrSessionExpired)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestSessionListsFoldersAndFiles(t *testing.T) {
	portal := &fakePortal{t: t}
	session, _ := connectTestSession(t, portal)
	ctx := context.Background()

	top, err := session.ListFolders(ctx, remote.Root())
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "trellis", top[0].Name)
	assert.Equal(t, 0, top[0].Ref.Level)

	sub, err := session.ListFolders(ctx, top[0].Ref)
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, "f_soil", sub[0].Ref.ID)
	assert.Equal(t, 1, sub[0].Ref.Level)

	files, err := session.ListFiles(ctx, sub[0].Ref)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Modified.Equal(time.Date(2024, 2, 10, 8, 30, 0, 123000000, time.UTC)), "modified %s", files[0].Modified)
	assert.Equal(t, int64(42), files[0].Size)
	assert.Equal(t, "csv", files[0].Type)

	rootFiles, err := session.ListFiles(ctx, remote.Root())
	require.NoError(t, err)
	assert.Empty(t, rootFiles)
}

func TestSessionRejectsMalformedListing(t *testing.T) {
	portal := &fakePortal{t: t, badFiles: true}
	session, _ := connectTestSession(t, portal)

	_, err := session.ListFiles(context.Background(), remote.FolderRef{ID: "f_soil", Name: "soil"})
	assert.ErrorIs(t, err, remote.ErrUnexpectedRemoteState)
	var shape *ResponseShapeError
	assert.True(t, errors.As(err, &shape), "expected ResponseShapeError, got %T", err)
}

func TestSessionCreateFolder(t *testing.T) {
	portal := &fakePortal{t: t}
	session, _ := connectTestSession(t, portal)
	ctx := context.Background()

	_, err := session.CreateFolder(ctx, remote.Root(), "new_top")
	assert.ErrorIs(t, err, remote.ErrMissingParent)

	ref, err := session.CreateFolder(ctx, remote.FolderRef{ID: "f_trellis", Name: "trellis", Level: 0}, "soil2")
	require.NoError(t, err)
	assert.Equal(t, remote.FolderRef{ID: "f_new", Name: "soil2", Level: 1}, ref)
	assert.Equal(t, []string{"soil2"}, portal.folders)
}

func TestSessionUploadsChunks(t *testing.T) {
	portal := &fakePortal{t: t}
	session, _ := connectTestSession(t, portal)
	ctx := context.Background()
	folder := remote.FolderRef{ID: "f_soil", Name: "soil", Level: 1}

	file, err := session.CreateFile(ctx, folder, "2024_02_10.csv", 6)
	require.NoError(t, err)
	assert.Equal(t, "2024_02_10", portal.createdFile["Name"])
	assert.Equal(t, "csv", portal.createdFile["Type"])
	assert.Equal(t, "f_soil", portal.createdFile["FolderId"])
	assert.Equal(t, float64(6), portal.createdFile["Size"])

	require.NoError(t, session.UploadChunk(ctx, file, 0, 2, []byte("a,b\n")))
	require.NoError(t, session.UploadChunk(ctx, file, 1, 2, []byte("1\n")))
	assert.Equal(t, []string{"repo_1/file_new/0/2=a,b\n", "repo_1/file_new/1/2=1\n"}, portal.chunks)
}

func TestSessionChunkFailureIsUploadFailed(t *testing.T) {
	portal := &fakePortal{t: t, failChunk: 1}
	session, _ := connectTestSession(t, portal)

	err := session.UploadChunk(context.Background(), remote.FileRef{ID: "file_new", Name: "x", Type: "csv"}, 0, 1, []byte("x"))
	assert.ErrorIs(t, err, remote.ErrUploadFailed)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, "storage offline", httpErr.Message)
}

func TestSessionDeleteFile(t *testing.T) {
	portal := &fakePortal{t: t}
	session, _ := connectTestSession(t, portal)

	require.NoError(t, session.DeleteFile(context.Background(), remote.FileRef{ID: "file_1", Name: "2024_02_10", Type: "csv"}))
	assert.Equal(t, []string{"file_1"}, portal.deleted)
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeTestJSON(w, `[{"reposid":"repo_1","name":"Trellis"}]`)
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), BaseDelay: time.Millisecond})
	require.NoError(t, err)
	repos, err := client.Repositories(context.Background())
	require.NoError(t, err, "retry should recover from a transient 503")
	require.Len(t, repos, 1)
	assert.Equal(t, "repo_1", repos[0].ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientDoesNotRetryCreates(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), BaseDelay: time.Millisecond})
	require.NoError(t, err)
	_, err = client.CreateFolder(context.Background(), "x", "parent")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}
