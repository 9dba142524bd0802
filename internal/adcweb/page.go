package adcweb

import "context"

// RowPart is the clickable part of a tree row.
type RowPart int

const (
	RowTitle RowPart = iota
	RowExpander
)

// RowProbe is what the page reports about one visible tree row.
type RowProbe struct {
	Title       string  `json:"title"`
	NodeClass   string  `json:"nodeClass"`
	IconStyle   string  `json:"iconStyle"`
	IndentWidth float64 `json:"indentWidth"`
	Size        string  `json:"size"`
	Modified    string  `json:"modified"`
}

// RowQuery selects the tree and the table columns holding file metadata.
// Column indexes below zero mean the column is not shown.
type RowQuery struct {
	Tree           string
	SizeColumn     int
	ModifiedColumn int
}

// Page is the browser surface the session drives. Selectors are CSS
// selectors evaluated in the page's document, or in the frame's document for
// pages returned by Frame.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, sel string) error
	SendKeys(ctx context.Context, sel, text string) error
	Click(ctx context.Context, sel string) error
	Text(ctx context.Context, sel string) (string, error)
	Evaluate(ctx context.Context, expression string) error
	Frame(ctx context.Context, sel string) (Page, error)

	// Rows lists the visible tree rows in document order.
	Rows(ctx context.Context, query RowQuery) ([]RowProbe, error)
	ClickRow(ctx context.Context, tree string, index int, part RowPart) error
	// SetFile replaces the file list of a file input with a single file.
	SetFile(ctx context.Context, sel, filename string, data []byte) error

	Close() error
}

// Launcher opens a fresh browser page.
type Launcher func(ctx context.Context) (Page, error)
