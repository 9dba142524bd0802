package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/adcsync/internal/portalsync"
	"github.com/agentworkforce/adcsync/internal/remote"
)

// memSession is a portal kept in maps, shared by every connection so that
// separate commands see each other's uploads.
type memSession struct {
	mu      sync.Mutex
	next    int
	folders map[string][]remote.FolderSummary
	files   map[string][]remote.FileSummary
	content map[string][]byte
}

func newMemSession() *memSession {
	return &memSession{
		folders: map[string][]remote.FolderSummary{},
		files:   map[string][]remote.FileSummary{},
		content: map[string][]byte{},
	}
}

func (m *memSession) ListFolders(_ context.Context, parent remote.FolderRef) ([]remote.FolderSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]remote.FolderSummary(nil), m.folders[parent.ID]...), nil
}

func (m *memSession) ListFiles(_ context.Context, folder remote.FolderRef) ([]remote.FileSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]remote.FileSummary(nil), m.files[folder.ID]...), nil
}

func (m *memSession) CreateFolder(_ context.Context, parent remote.FolderRef, name string) (remote.FolderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	ref := remote.FolderRef{ID: "d" + strconv.Itoa(m.next), Name: name, Level: parent.Level + 1}
	m.folders[parent.ID] = append(m.folders[parent.ID], remote.FolderSummary{Name: name, Ref: ref})
	return ref, nil
}

func (m *memSession) CreateFile(_ context.Context, folder remote.FolderRef, filename string, size int64) (remote.FileRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	base, typ := remote.SplitName(filename)
	ref := remote.FileRef{ID: "f" + strconv.Itoa(m.next), Name: base, Type: typ, Folder: folder}
	m.files[folder.ID] = append(m.files[folder.ID], remote.FileSummary{
		Ref: ref, Name: base, Type: typ, Size: size, Modified: time.Now().UTC(),
	})
	return ref, nil
}

func (m *memSession) UploadChunk(_ context.Context, file remote.FileRef, _, _ int, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[file.ID] = append(m.content[file.ID], chunk...)
	return nil
}

func (m *memSession) DeleteFile(_ context.Context, file remote.FileRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.files[file.Folder.ID][:0]
	for _, f := range m.files[file.Folder.ID] {
		if f.Ref.ID != file.ID {
			kept = append(kept, f)
		}
	}
	m.files[file.Folder.ID] = kept
	delete(m.content, file.ID)
	return nil
}

func (m *memSession) Close() error { return nil }

func registerMemoryBackend(t *testing.T) *memSession {
	t.Helper()
	session := newMemSession()
	remote.RegisterBackend(remote.Backend{
		Name: "memory",
		Connect: func(_ context.Context, creds remote.Credentials) (remote.Session, error) {
			if creds.Password != "hunter2" {
				return nil, remote.Errorf("login", creds.Username, remote.ErrSessionExpired, "bad password")
			}
			return session, nil
		},
	})
	return session
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adcsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func clearPortalEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"ADC_USERNAME", "ADC_PASSWORD", "ADC_BACKEND", "ADC_REPOSITORY_NAME", "ADC_BASE_URL", "ADC_LOGIN_URL",
		"ADCSYNC_SPOOL_DIR", "ADCSYNC_QUEUE_DSN", "ADCSYNC_STATUS_ADDR", "OADA_DOMAIN", "OADA_TOKEN",
	} {
		t.Setenv(name, "")
	}
}

func TestPutThenCheck(t *testing.T) {
	clearPortalEnv(t)
	session := registerMemoryBackend(t)
	cfgPath := writeConfig(t, "backend: memory\nusername: grower\npassword: hunter2\nrepository: Trellis\n")
	local := filepath.Join(t.TempDir(), "readings.csv")
	require.NoError(t, os.WriteFile(local, []byte("time,value\n1,2\n"), 0o644))

	out, err := execute(t, "--config", cfgPath, "put", local, "trellis/field_1/readings.csv", "--modified", "2024-02-10T00:00:00Z")
	require.NoError(t, err)
	var res portalsync.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Uploaded)
	assert.Equal(t, int64(15), res.Size)

	var uploaded []byte
	for _, data := range session.content {
		uploaded = data
	}
	assert.Equal(t, "time,value\n1,2\n", string(uploaded))

	out, err = execute(t, "--config", cfgPath, "check", "trellis/field_1/readings.csv", "--size", "15")
	require.NoError(t, err)
	var check portalsync.CheckResult
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	assert.False(t, check.Stale)
	assert.Equal(t, portalsync.ReasonSameSize, check.Reason)

	out, err = execute(t, "--config", cfgPath, "check", "trellis/field_1/other.csv")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	assert.True(t, check.Stale)
	assert.Equal(t, portalsync.ReasonMissing, check.Reason)
}

func TestPutRejectsHyphenatedPath(t *testing.T) {
	clearPortalEnv(t)
	registerMemoryBackend(t)
	cfgPath := writeConfig(t, "backend: memory\nusername: grower\npassword: hunter2\n")
	local := filepath.Join(t.TempDir(), "x.csv")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	_, err := execute(t, "--config", cfgPath, "put", local, "trellis/field-1/x.csv")
	assert.ErrorIs(t, err, remote.ErrInvalidName)
}

func TestLoginFailureIsFatal(t *testing.T) {
	clearPortalEnv(t)
	registerMemoryBackend(t)
	cfgPath := writeConfig(t, "backend: memory\nusername: grower\npassword: wrong\n")

	_, err := execute(t, "--config", cfgPath, "check", "trellis/a/b.csv")
	assert.ErrorIs(t, err, remote.ErrLoginFailed)
}

func TestRunRequiresASource(t *testing.T) {
	clearPortalEnv(t)
	registerMemoryBackend(t)
	cfgPath := writeConfig(t, "backend: memory\nusername: grower\npassword: hunter2\nstatus:\n  addr: \"\"\n")

	_, err := execute(t, "--config", cfgPath, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources configured")
}

func TestMissingCredentials(t *testing.T) {
	clearPortalEnv(t)
	registerMemoryBackend(t)
	cfgPath := writeConfig(t, "backend: memory\nusername: grower\n")

	_, err := execute(t, "--config", cfgPath, "check", "trellis/a/b.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")
}

func TestConfigureLogging(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)
	defer log.SetFormatter(&log.TextFormatter{})

	require.NoError(t, configureLogging("debug", "json"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	_, isJSON := log.StandardLogger().Formatter.(*log.JSONFormatter)
	assert.True(t, isJSON)

	assert.Error(t, configureLogging("loud", "text"))
	assert.Error(t, configureLogging("info", "xml"))
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("ADCSYNC_TEST_VALUE", "  set ")
	assert.Equal(t, "set", envOrDefault("ADCSYNC_TEST_VALUE", "fallback"))
	t.Setenv("ADCSYNC_TEST_VALUE", "")
	assert.Equal(t, "fallback", envOrDefault("ADCSYNC_TEST_VALUE", "fallback"))
}
