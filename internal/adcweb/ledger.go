package adcweb

import (
	"sync"
	"time"
)

type importRecord struct {
	size     int64
	imported time.Time
}

// importLedger remembers the files this process imported, keyed by their
// slash-joined tree path. The tree does not show sizes unless a column is
// configured, so listings fall back to the ledger. It is shared by every
// session a backend registration creates, so a re-login keeps it.
type importLedger struct {
	mu    sync.Mutex
	files map[string]importRecord
}

func newImportLedger() *importLedger {
	return &importLedger{files: map[string]importRecord{}}
}

func (l *importLedger) record(path string, size int64, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[path] = importRecord{size: size, imported: at}
}

func (l *importLedger) forget(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.files, path)
}

func (l *importLedger) lookup(path string) (importRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.files[path]
	return rec, ok
}
