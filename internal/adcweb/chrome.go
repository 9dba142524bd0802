package adcweb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

const (
	nodeSelector     = "span.fancytree-node"
	titleSelector    = "span.fancytree-title"
	expanderSelector = "span.fancytree-expander"
	iconSelector     = "span.fancytree-icon"
)

type ChromeOptions struct {
	ExecPath string
	Headless bool
	Logger   logrus.FieldLogger
}

// ChromePage drives one Chrome tab, or one iframe inside it when created by
// Frame.
type ChromePage struct {
	tab    context.Context
	cancel context.CancelFunc
	frame  *cdp.Node
	doc    string
}

var _ Page = (*ChromePage)(nil)

// ChromeLauncher starts a new browser per call. The browser outlives ctx and
// is shut down by Close.
func ChromeLauncher(opts ChromeOptions) Launcher {
	return func(ctx context.Context) (Page, error) {
		return LaunchChrome(ctx, opts)
	}
}

func LaunchChrome(ctx context.Context, opts ChromeOptions) (*ChromePage, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(1080, 1024),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tab, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Debugf))
	p := &ChromePage{
		tab: tab,
		cancel: func() {
			cancelTab()
			cancelAlloc()
		},
		doc: "document",
	}
	if err := p.run(ctx, page.SetBypassCSP(true)); err != nil {
		p.cancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	return p, nil
}

// run executes actions on the tab, bounded by ctx without letting a
// cancelled ctx close the tab.
func (p *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *ChromePage) query() []chromedp.QueryOption {
	opts := []chromedp.QueryOption{chromedp.ByQuery}
	if p.frame != nil {
		opts = append(opts, chromedp.FromNode(p.frame))
	}
	return opts
}

func (p *ChromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *ChromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *ChromePage) WaitVisible(ctx context.Context, sel string) error {
	return p.run(ctx, chromedp.WaitVisible(sel, p.query()...))
}

func (p *ChromePage) SendKeys(ctx context.Context, sel, text string) error {
	return p.run(ctx, chromedp.SendKeys(sel, text, p.query()...))
}

func (p *ChromePage) Click(ctx context.Context, sel string) error {
	return p.run(ctx, chromedp.Click(sel, p.query()...))
}

func (p *ChromePage) Text(ctx context.Context, sel string) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Text(sel, &text, p.query()...))
	return text, err
}

func (p *ChromePage) Evaluate(ctx context.Context, expression string) error {
	var done bool
	return p.run(ctx, chromedp.Evaluate("(() => { "+expression+"; return true; })()", &done))
}

func (p *ChromePage) Frame(ctx context.Context, sel string) (Page, error) {
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(sel, &nodes, p.query()...)); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("frame %s not found", sel)
	}
	return &ChromePage{
		tab:   p.tab,
		frame: nodes[0],
		doc:   fmt.Sprintf("%s.querySelector(%s).contentDocument", p.doc, jsString(sel)),
	}, nil
}

type rowsResult struct {
	Found bool       `json:"found"`
	Rows  []RowProbe `json:"rows"`
}

const rowsScript = `(() => {
  const doc = %s;
  const tree = doc && doc.querySelector(%s);
  if (!tree) return {found: false, rows: []};
  const origin = tree.getBoundingClientRect().left;
  const rows = [];
  for (const node of tree.querySelectorAll(%s)) {
    if (node.offsetParent === null) continue;
    const title = node.querySelector(%s);
    const icon = node.querySelector(%s);
    const anchor = node.firstElementChild || node;
    const row = node.closest('tr');
    const cell = (i) => (row && i >= 0 && row.cells[i]) ? row.cells[i].textContent.trim() : '';
    rows.push({
      title: title ? title.textContent.trim() : '',
      nodeClass: node.className,
      iconStyle: icon ? doc.defaultView.getComputedStyle(icon).backgroundPosition : '',
      indentWidth: anchor.getBoundingClientRect().left - origin,
      size: cell(%d),
      modified: cell(%d),
    });
  }
  return {found: true, rows};
})()`

func (p *ChromePage) Rows(ctx context.Context, query RowQuery) ([]RowProbe, error) {
	expr := fmt.Sprintf(rowsScript, p.doc, jsString(query.Tree), jsString(nodeSelector),
		jsString(titleSelector), jsString(iconSelector), query.SizeColumn, query.ModifiedColumn)
	var res rowsResult
	if err := p.run(ctx, chromedp.Evaluate(expr, &res)); err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, fmt.Errorf("tree %s not found", query.Tree)
	}
	return res.Rows, nil
}

const clickRowScript = `(() => {
  const doc = %s;
  const tree = doc && doc.querySelector(%s);
  if (!tree) return false;
  const nodes = Array.from(tree.querySelectorAll(%s)).filter((n) => n.offsetParent !== null);
  const node = nodes[%d];
  const target = node && node.querySelector(%s);
  if (!target) return false;
  target.click();
  return true;
})()`

func (p *ChromePage) ClickRow(ctx context.Context, tree string, index int, part RowPart) error {
	target := titleSelector
	if part == RowExpander {
		target = expanderSelector
	}
	expr := fmt.Sprintf(clickRowScript, p.doc, jsString(tree), jsString(nodeSelector), index, jsString(target))
	var clicked bool
	if err := p.run(ctx, chromedp.Evaluate(expr, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("row %d of %s has no %s", index, tree, target)
	}
	return nil
}

const setFileScript = `(() => {
  const doc = %s;
  const input = doc && doc.querySelector(%s);
  if (!input) return false;
  const win = doc.defaultView;
  const bytes = Uint8Array.from(win.atob(%s), (c) => c.charCodeAt(0));
  const transfer = new win.DataTransfer();
  transfer.items.add(new win.File([bytes], %s, {type: 'text/plain'}));
  input.files = transfer.files;
  input.dispatchEvent(new win.Event('change', {bubbles: true}));
  return true;
})()`

func (p *ChromePage) SetFile(ctx context.Context, sel, filename string, data []byte) error {
	expr := fmt.Sprintf(setFileScript, p.doc, jsString(sel),
		jsString(base64.StdEncoding.EncodeToString(data)), jsString(filename))
	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("file input %s not found", sel)
	}
	return nil
}

// Close shuts the browser down. Pages returned by Frame share the browser
// and closing them is a no-op.
func (p *ChromePage) Close() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.cancel = nil
	return nil
}

func jsString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
