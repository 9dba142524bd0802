package adcweb

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/adcsync/internal/remote"
)

const (
	BackendName = "web"
	// MaxSessionAge is how long a portal login stays usable.
	MaxSessionAge     = 15 * time.Minute
	DefaultLoginURL   = "https://web.agdatacoalition.org/login"
	DefaultLoginTitle = "ADC | Login"
	DefaultIndentUnit = 16.0

	pendingPrefix = "pending-"
)

// Selectors are the CSS selectors of the portal pages. Tree and the
// selectors after it are evaluated inside the site iframe.
type Selectors struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	Submit          string `json:"submit"`
	DisplayUsername string `json:"displayUsername"`
	Dashboard       string `json:"dashboard"`
	Iframe          string `json:"iframe"`

	Tree            string `json:"tree"`
	NewFolderButton string `json:"newFolderButton"`
	FolderNameInput string `json:"folderNameInput"`
	FolderConfirm   string `json:"folderConfirm"`
	UploadButton    string `json:"uploadButton"`
	ImportForm      string `json:"importForm"`
	FileInput       string `json:"fileInput"`
	UploadConfirm   string `json:"uploadConfirm"`
	DeleteButton    string `json:"deleteButton"`
	DeleteConfirm   string `json:"deleteConfirm"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		Email:           `input[name="email"]`,
		Password:        `input[name="password"]`,
		Submit:          `button[name="submit"]`,
		DisplayUsername: "#display-username",
		Dashboard:       "#dashboard-mydata",
		Iframe:          "#onsite-iframe",
		Tree:            "#tree",
		NewFolderButton: "a.new-folder-button",
		FolderNameInput: "form.newFolderForm input[name=\"name\"]",
		FolderConfirm:   "div.modal-footer > a.btn-success",
		UploadButton:    "a.upload-button",
		ImportForm:      "form.importFileForm",
		FileInput:       ".import-file-selection",
		UploadConfirm:   "div.modal-footer > a.btn-success",
		DeleteButton:    "a.delete-button",
		DeleteConfirm:   "div.modal-footer > a.btn-danger",
	}
}

type Options struct {
	LoginURL       string
	LoginTitle     string
	NavigateScript string
	Selectors      Selectors
	Styles         IconStyles
	IndentUnit     float64
	// Table columns of the tree holding file size and modification time,
	// negative when the tree does not show them. Files without them are
	// described from the import ledger.
	SizeColumn     int
	ModifiedColumn int
	ModifiedLayout string
	Location       *time.Location

	// Settle is the pause after actions that animate the page.
	Settle       time.Duration
	SiteSettle   time.Duration
	WaitTimeout  time.Duration
	LoginTimeout time.Duration

	Launch Launcher
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger logrus.FieldLogger

	ledger *importLedger
}

func DefaultOptions() Options {
	return Options{
		LoginURL:       DefaultLoginURL,
		LoginTitle:     DefaultLoginTitle,
		NavigateScript: "window.ADC.Views.Dashboard.NavigateOnSite()",
		Selectors:      DefaultSelectors(),
		IndentUnit:     DefaultIndentUnit,
		SizeColumn:     -1,
		ModifiedColumn: -1,
		ModifiedLayout: "01/02/2006 15:04:05",
		Location:       time.UTC,
		Settle:         time.Second,
		SiteSettle:     6 * time.Second,
		WaitTimeout:    30 * time.Second,
		LoginTimeout:   60 * time.Second,
		Launch:         ChromeLauncher(ChromeOptions{Headless: true}),
	}
}

func init() {
	Register(DefaultOptions())
}

// Register installs the browser backend with opts, replacing any earlier
// registration.
func Register(opts Options) {
	if opts.ledger == nil {
		opts.ledger = newImportLedger()
	}
	remote.RegisterBackend(remote.Backend{
		Name:   BackendName,
		MaxAge: MaxSessionAge,
		Connect: func(ctx context.Context, creds remote.Credentials) (remote.Session, error) {
			s, err := Connect(ctx, creds, opts)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	})
}

type pendingUpload struct {
	folder   remote.FolderRef
	filename string
	next     int
	data     []byte
}

// Session drives the portal's file tree through a browser. Folder IDs are
// row positions in the rendered tree and are checked against the row's
// title and depth before use.
type Session struct {
	page    Page
	site    Page
	opts    Options
	creds   remote.Credentials
	logger  logrus.FieldLogger
	pending map[string]*pendingUpload
}

var (
	_ remote.Session    = (*Session)(nil)
	_ remote.ChunkSizer = (*Session)(nil)
)

// Connect launches a browser, logs in and opens the repository tree.
func Connect(ctx context.Context, creds remote.Credentials, opts Options) (*Session, error) {
	opts = withDefaults(opts)
	if creds.LoginURL != "" {
		opts.LoginURL = creds.LoginURL
	}
	page, err := opts.Launch(ctx)
	if err != nil {
		return nil, remote.Wrap("launch browser", "", remote.ErrRemoteUnavailable, err)
	}
	s := &Session{
		page:    page,
		opts:    opts,
		creds:   creds,
		logger:  opts.Logger.WithField("backend", BackendName),
		pending: map[string]*pendingUpload{},
	}
	if err := s.login(ctx); err != nil {
		_ = page.Close()
		return nil, err
	}
	return s, nil
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.LoginURL == "" {
		opts.LoginURL = def.LoginURL
	}
	if opts.LoginTitle == "" {
		opts.LoginTitle = def.LoginTitle
	}
	if opts.NavigateScript == "" {
		opts.NavigateScript = def.NavigateScript
	}
	if opts.Selectors == (Selectors{}) {
		opts.Selectors = def.Selectors
	}
	if opts.IndentUnit <= 0 {
		opts.IndentUnit = def.IndentUnit
	}
	if opts.ModifiedLayout == "" {
		opts.ModifiedLayout = def.ModifiedLayout
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = def.WaitTimeout
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = def.LoginTimeout
	}
	if opts.Launch == nil {
		opts.Launch = def.Launch
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ledger == nil {
		opts.ledger = newImportLedger()
	}
	return opts
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Session) login(ctx context.Context) error {
	sel := s.opts.Selectors
	user := s.creds.Username
	if err := s.page.Navigate(ctx, s.opts.LoginURL); err != nil {
		return remote.Wrap("open login page", s.opts.LoginURL, remote.ErrRemoteUnavailable, err)
	}
	title, err := s.page.Title(ctx)
	if err != nil {
		return remote.Wrap("open login page", s.opts.LoginURL, remote.ErrRemoteUnavailable, err)
	}
	if strings.TrimSpace(title) != s.opts.LoginTitle {
		return remote.Errorf("open login page", s.opts.LoginURL, remote.ErrUnexpectedRemoteState,
			"page title is %q", title)
	}
	for _, field := range []string{sel.Email, sel.Password, sel.Submit} {
		if err := s.wait(ctx, s.page, field, s.opts.WaitTimeout); err != nil {
			return remote.Wrap("login", field, remote.ErrUnexpectedRemoteState, err)
		}
	}
	if err := s.page.SendKeys(ctx, sel.Email, user); err != nil {
		return remote.Wrap("login", sel.Email, remote.ErrUnexpectedRemoteState, err)
	}
	if err := s.page.SendKeys(ctx, sel.Password, s.creds.Password); err != nil {
		return remote.Wrap("login", sel.Password, remote.ErrUnexpectedRemoteState, err)
	}
	if err := s.page.Click(ctx, sel.Submit); err != nil {
		return remote.Wrap("login", sel.Submit, remote.ErrUnexpectedRemoteState, err)
	}

	if err := s.wait(ctx, s.page, sel.DisplayUsername, s.opts.LoginTimeout); err != nil {
		return remote.Wrap("login", user, remote.ErrSessionExpired, err)
	}
	shown, err := s.page.Text(ctx, sel.DisplayUsername)
	if err != nil {
		return remote.Wrap("login", user, remote.ErrSessionExpired, err)
	}
	if strings.TrimSpace(shown) != user {
		return remote.Errorf("login", user, remote.ErrSessionExpired, "portal shows user %q", shown)
	}
	s.logger.WithField("user", user).Info("logged in to portal")

	if err := s.wait(ctx, s.page, sel.Dashboard, s.opts.WaitTimeout); err != nil {
		return remote.Wrap("open dashboard", sel.Dashboard, remote.ErrUnexpectedRemoteState, err)
	}
	if err := s.opts.Sleep(ctx, s.opts.Settle); err != nil {
		return err
	}
	if err := s.page.Evaluate(ctx, s.opts.NavigateScript); err != nil {
		return remote.Wrap("open site", "", remote.ErrUnexpectedRemoteState, err)
	}
	if err := s.wait(ctx, s.page, sel.Iframe, s.opts.WaitTimeout); err != nil {
		return remote.Wrap("open site", sel.Iframe, remote.ErrUnexpectedRemoteState, err)
	}
	site, err := s.page.Frame(ctx, sel.Iframe)
	if err != nil {
		return remote.Wrap("open site", sel.Iframe, remote.ErrUnexpectedRemoteState, err)
	}
	if err := s.opts.Sleep(ctx, s.opts.SiteSettle); err != nil {
		return err
	}
	if err := s.wait(ctx, site, sel.Tree, s.opts.WaitTimeout); err != nil {
		return remote.Wrap("open site", sel.Tree, remote.ErrUnexpectedRemoteState, err)
	}
	s.site = site
	return nil
}

func (s *Session) wait(ctx context.Context, p Page, sel string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.WaitVisible(waitCtx, sel)
}

func (s *Session) scan(ctx context.Context) ([]treeRow, error) {
	probes, err := s.site.Rows(ctx, RowQuery{
		Tree:           s.opts.Selectors.Tree,
		SizeColumn:     s.opts.SizeColumn,
		ModifiedColumn: s.opts.ModifiedColumn,
	})
	if err != nil {
		return nil, remote.Wrap("scan tree", "", remote.ErrUnexpectedRemoteState, err)
	}
	base := math.Inf(1)
	for _, p := range probes {
		base = math.Min(base, p.IndentWidth)
	}
	rows := make([]treeRow, len(probes))
	for i, p := range probes {
		state, err := s.opts.Styles.Classify(p)
		if err != nil {
			return nil, err
		}
		rows[i] = treeRow{
			Index: i,
			Title: p.Title,
			State: state,
			Level: levelOf(p.IndentWidth-base, s.opts.IndentUnit),
			Probe: p,
		}
	}
	return rows, nil
}

// locate finds the row a folder ref points at in a fresh scan.
func (s *Session) locate(ctx context.Context, ref remote.FolderRef) ([]treeRow, treeRow, error) {
	rows, err := s.scan(ctx)
	if err != nil {
		return nil, treeRow{}, err
	}
	if ref.IsRoot() {
		return rows, rootRow, nil
	}
	index, err := strconv.Atoi(ref.ID)
	if err != nil || index < 0 || index >= len(rows) {
		return nil, treeRow{}, remote.Errorf("locate folder", ref.Name, remote.ErrUnexpectedRemoteState,
			"row %q is not in the tree", ref.ID)
	}
	row := rows[index]
	if row.Title != ref.Name || row.Level != ref.Level || !row.State.IsFolder() {
		return nil, treeRow{}, remote.Errorf("locate folder", ref.Name, remote.ErrUnexpectedRemoteState,
			"row %d is %s %q at level %d", index, row.State, row.Title, row.Level)
	}
	return rows, row, nil
}

// open expands a folder when it is closed and returns the rescanned tree.
func (s *Session) open(ctx context.Context, ref remote.FolderRef) ([]treeRow, treeRow, error) {
	rows, row, err := s.locate(ctx, ref)
	if err != nil || row.State != StateClosedFolder {
		return rows, row, err
	}
	if err := s.site.ClickRow(ctx, s.opts.Selectors.Tree, row.Index, RowExpander); err != nil {
		return nil, treeRow{}, remote.Wrap("expand folder", ref.Name, remote.ErrUnexpectedRemoteState, err)
	}
	if err := s.opts.Sleep(ctx, s.opts.Settle); err != nil {
		return nil, treeRow{}, err
	}
	rows, row, err = s.locate(ctx, ref)
	if err != nil {
		return nil, treeRow{}, err
	}
	if row.State != StateOpenFolder {
		return nil, treeRow{}, remote.Errorf("expand folder", ref.Name, remote.ErrUnexpectedRemoteState,
			"folder is still %s", row.State)
	}
	return rows, row, nil
}

func (s *Session) selectRow(ctx context.Context, row treeRow) error {
	if row.Index < 0 {
		return nil
	}
	if err := s.site.ClickRow(ctx, s.opts.Selectors.Tree, row.Index, RowTitle); err != nil {
		return remote.Wrap("select row", row.Title, remote.ErrUnexpectedRemoteState, err)
	}
	return s.opts.Sleep(ctx, s.opts.Settle)
}

func folderRef(row treeRow) remote.FolderRef {
	return remote.FolderRef{ID: strconv.Itoa(row.Index), Name: row.Title, Level: row.Level}
}

func (s *Session) ListFolders(ctx context.Context, parent remote.FolderRef) ([]remote.FolderSummary, error) {
	rows, row, err := s.open(ctx, parent)
	if err != nil {
		return nil, err
	}
	var out []remote.FolderSummary
	for _, child := range childrenOf(rows, row) {
		if child.State.IsFolder() {
			out = append(out, remote.FolderSummary{Name: child.Title, Ref: folderRef(child)})
		}
	}
	return out, nil
}

func (s *Session) ListFiles(ctx context.Context, folder remote.FolderRef) ([]remote.FileSummary, error) {
	rows, row, err := s.open(ctx, folder)
	if err != nil {
		return nil, err
	}
	var out []remote.FileSummary
	for _, child := range childrenOf(rows, row) {
		if child.State != StateFile {
			continue
		}
		name, fileType := remote.SplitName(child.Title)
		size := parseSize(child.Probe.Size)
		modified := parseModified(child.Probe.Modified, s.opts.ModifiedLayout, s.opts.Location)
		if rec, ok := s.opts.ledger.lookup(pathOf(rows, child)); ok {
			if size < 0 {
				size = rec.size
			}
			if modified.IsZero() {
				modified = rec.imported
			}
		}
		out = append(out, remote.FileSummary{
			Ref:      remote.FileRef{ID: strconv.Itoa(child.Index), Name: name, Type: fileType, Folder: folder},
			Name:     name,
			Type:     fileType,
			Size:     size,
			Modified: modified,
		})
	}
	return out, nil
}

func (s *Session) CreateFolder(ctx context.Context, parent remote.FolderRef, name string) (remote.FolderRef, error) {
	sel := s.opts.Selectors
	_, row, err := s.open(ctx, parent)
	if err != nil {
		return remote.FolderRef{}, err
	}
	if err := s.selectRow(ctx, row); err != nil {
		return remote.FolderRef{}, err
	}
	steps := []func() error{
		func() error { return s.site.Click(ctx, sel.NewFolderButton) },
		func() error { return s.wait(ctx, s.site, sel.FolderNameInput, s.opts.WaitTimeout) },
		func() error { return s.site.SendKeys(ctx, sel.FolderNameInput, name) },
		func() error { return s.site.Click(ctx, sel.FolderConfirm) },
		func() error { return s.opts.Sleep(ctx, s.opts.Settle) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return remote.FolderRef{}, remote.Wrap("create folder", name, remote.ErrUnexpectedRemoteState, err)
		}
	}
	rows, row, err := s.open(ctx, parent)
	if err != nil {
		return remote.FolderRef{}, err
	}
	created, ok := findChild(rows, row, name, true)
	if !ok {
		return remote.FolderRef{}, remote.Errorf("create folder", name, remote.ErrUnexpectedRemoteState,
			"folder not listed after creation")
	}
	s.logger.WithField("folder", name).Debug("created portal folder")
	return folderRef(created), nil
}

// CreateFile reserves an upload. The tree cannot hold an empty file, so
// content is buffered until the last chunk arrives and then sent through the
// import dialog in one piece.
func (s *Session) CreateFile(ctx context.Context, folder remote.FolderRef, filename string, size int64) (remote.FileRef, error) {
	if _, _, err := s.locate(ctx, folder); err != nil {
		return remote.FileRef{}, err
	}
	id := pendingPrefix + uuid.NewString()
	capacity := 0
	if size > 0 {
		capacity = int(size)
	}
	s.pending[id] = &pendingUpload{folder: folder, filename: filename, data: make([]byte, 0, capacity)}
	name, fileType := remote.SplitName(filename)
	return remote.FileRef{ID: id, Name: name, Type: fileType, Folder: folder}, nil
}

func (s *Session) UploadChunk(ctx context.Context, file remote.FileRef, index, total int, chunk []byte) error {
	up, ok := s.pending[file.ID]
	if !ok {
		// Pending uploads are lost on re-login. Only the upload is retried.
		return remote.Errorf("upload chunk", file.Filename(), remote.ErrUploadFailed,
			"no pending upload %s", file.ID)
	}
	if index != up.next {
		return remote.Errorf("upload chunk", file.Filename(), remote.ErrUploadFailed,
			"chunk %d arrived, expected %d", index, up.next)
	}
	up.data = append(up.data, chunk...)
	up.next++
	if up.next < total {
		return nil
	}
	delete(s.pending, file.ID)
	return s.importFile(ctx, up)
}

func (s *Session) importFile(ctx context.Context, up *pendingUpload) error {
	sel := s.opts.Selectors
	_, row, err := s.open(ctx, up.folder)
	if err != nil {
		return err
	}
	if err := s.selectRow(ctx, row); err != nil {
		return err
	}
	steps := []func() error{
		func() error { return s.site.Click(ctx, sel.UploadButton) },
		func() error { return s.wait(ctx, s.site, sel.ImportForm, s.opts.WaitTimeout) },
		func() error { return s.opts.Sleep(ctx, s.opts.Settle) },
		func() error { return s.site.SetFile(ctx, sel.FileInput, up.filename, up.data) },
		func() error { return s.site.Click(ctx, sel.UploadConfirm) },
		func() error { return s.opts.Sleep(ctx, s.opts.Settle) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return remote.Wrap("import file", up.filename, remote.ErrUploadFailed, err)
		}
	}
	rows, row, err := s.open(ctx, up.folder)
	if err != nil {
		return err
	}
	imported, ok := findChild(rows, row, up.filename, false)
	if !ok {
		return remote.Errorf("import file", up.filename, remote.ErrUploadFailed, "file not listed after import")
	}
	s.opts.ledger.record(pathOf(rows, imported), int64(len(up.data)), time.Now().UTC())
	return nil
}

func (s *Session) DeleteFile(ctx context.Context, file remote.FileRef) error {
	if strings.HasPrefix(file.ID, pendingPrefix) {
		delete(s.pending, file.ID)
		return nil
	}
	sel := s.opts.Selectors
	rows, folder, err := s.open(ctx, file.Folder)
	if err != nil {
		return err
	}
	row, ok := findChild(rows, folder, file.Filename(), false)
	if !ok {
		return remote.Errorf("delete file", file.Filename(), remote.ErrUnexpectedRemoteState, "file not in folder")
	}
	if err := s.selectRow(ctx, row); err != nil {
		return err
	}
	steps := []func() error{
		func() error { return s.site.Click(ctx, sel.DeleteButton) },
		func() error { return s.wait(ctx, s.site, sel.DeleteConfirm, s.opts.WaitTimeout) },
		func() error { return s.site.Click(ctx, sel.DeleteConfirm) },
		func() error { return s.opts.Sleep(ctx, s.opts.Settle) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return remote.Wrap("delete file", file.Filename(), remote.ErrUnexpectedRemoteState, err)
		}
	}
	s.opts.ledger.forget(pathOf(rows, row))
	return nil
}

// ChunkSize is large enough that every payload arrives as one chunk.
func (s *Session) ChunkSize() int {
	return math.MaxInt32
}

func (s *Session) Close() error {
	s.pending = map[string]*pendingUpload{}
	if s.page == nil {
		return nil
	}
	err := s.page.Close()
	s.page, s.site = nil, nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
