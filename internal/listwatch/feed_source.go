package listwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/adcsync/internal/portalsync"
)

const FeedSourceName = "feed"

// FeedList is one watched list: the resource at Path holds day documents
// under IndexKey.
type FeedList struct {
	Path     string `json:"path"`
	IndexKey string `json:"indexKey"`
}

func DefaultFeedLists() []FeedList {
	return []FeedList{
		{Path: "/bookmarks/iot4ag/soil/water-content", IndexKey: "day-index"},
		{Path: "/bookmarks/iot4ag/soil/temperature", IndexKey: "day-index"},
		{Path: "/bookmarks/iot4ag/soil/conductivity", IndexKey: "day-index"},
		{Path: "/bookmarks/lab-results/soil", IndexKey: "event-date-index"},
	}
}

// FeedLogicalPath maps a day document to its portal path: the list path
// moves from /bookmarks to trellis and the day key becomes a CSV file.
func FeedLogicalPath(list FeedList, key string) string {
	base := strings.TrimPrefix(strings.Trim(list.Path, "/"), "bookmarks")
	return portalsync.SanitizePath("trellis/" + strings.Trim(base, "/") + "/" + key + ".csv")
}

type FeedSourceOptions struct {
	Client *FeedClient
	Lists  []FeedList
	// Checker lets expensive documents skip fetching when the portal copy
	// is already current.
	Checker         Checker
	Gate            Gate
	ReconnectDelay  time.Duration
	ReconnectJitter float64
	Logger          logrus.FieldLogger
}

// FeedSource watches lists on the change-feed server. Every day document
// present when a watch starts is emitted, then each change to the list
// re-emits the days it touched.
type FeedSource struct {
	client          *FeedClient
	lists           []FeedList
	checker         Checker
	gate            Gate
	reconnectDelay  time.Duration
	reconnectJitter float64
	logger          logrus.FieldLogger
}

func NewFeedSource(opts FeedSourceOptions) (*FeedSource, error) {
	if opts.Client == nil {
		return nil, errors.New("feed client is required")
	}
	lists := opts.Lists
	if len(lists) == 0 {
		lists = DefaultFeedLists()
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FeedSource{
		client:          opts.Client,
		lists:           lists,
		checker:         opts.Checker,
		gate:            opts.Gate,
		reconnectDelay:  delay,
		reconnectJitter: clampJitterRatio(opts.ReconnectJitter),
		logger:          logger.WithField("source", FeedSourceName),
	}, nil
}

func (s *FeedSource) Name() string {
	return FeedSourceName
}

func (s *FeedSource) Run(ctx context.Context, emit EmitFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, list := range s.lists {
		list := list
		g.Go(func() error {
			return s.watchList(ctx, list, emit)
		})
	}
	return g.Wait()
}

func (s *FeedSource) watchList(ctx context.Context, list FeedList, emit EmitFunc) error {
	logger := s.logger.WithField("list", list.Path)
	for {
		err := s.syncList(ctx, list, emit)
		if ctx.Err() != nil {
			return nil
		}
		delay := jitteredDelay(s.reconnectDelay, s.reconnectJitter, rand.Float64())
		logger.WithError(err).WithField("retry_in", delay).Warn("list watch dropped")
		if err := sleepContext(ctx, delay); err != nil {
			return nil
		}
	}
}

type watchRequest struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
}

type watchMessage struct {
	RequestID json.RawMessage `json:"requestId"`
	Status    int             `json:"status,omitempty"`
	Change    []watchChange   `json:"change,omitempty"`
}

type watchChange struct {
	Type string                     `json:"type"`
	Path string                     `json:"path"`
	Body map[string]json.RawMessage `json:"body"`
}

// syncList opens the watch, emits the current days, then follows changes
// until the connection fails.
func (s *FeedSource) syncList(ctx context.Context, list FeedList, emit EmitFunc) error {
	indexPath := strings.TrimRight(list.Path, "/") + "/" + list.IndexKey
	conn, _, err := websocket.Dial(ctx, s.client.WatchURL(), &websocket.DialOptions{
		HTTPHeader: s.client.authHeader(),
	})
	if err != nil {
		return fmt.Errorf("dial watch: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(16 << 20)

	req := watchRequest{
		RequestID: uuid.NewString(),
		Method:    "watch",
		Path:      indexPath,
		Headers:   map[string]string{"authorization": "Bearer " + s.client.token},
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return fmt.Errorf("send watch: %w", err)
	}

	var index map[string]json.RawMessage
	if err := s.client.Get(ctx, indexPath, &index); err != nil {
		var feedErr *FeedError
		if !errors.As(err, &feedErr) || feedErr.StatusCode != http.StatusNotFound {
			return err
		}
	}
	for _, key := range childKeys(index) {
		if err := s.handleDay(ctx, list, key, emit); err != nil {
			return err
		}
	}

	for {
		var msg watchMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("read watch: %w", err)
		}
		if msg.Status != 0 && msg.Status != http.StatusOK {
			return fmt.Errorf("watch %s rejected with status %d", indexPath, msg.Status)
		}
		for _, key := range changedKeys(msg.Change) {
			if err := s.handleDay(ctx, list, key, emit); err != nil {
				return err
			}
		}
	}
}

func childKeys(doc map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		if !strings.HasPrefix(key, "_") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// changedKeys lists the day keys a change batch touches. Changes at the
// index root name days in their body, deeper changes in their path.
func changedKeys(changes []watchChange) []string {
	seen := map[string]struct{}{}
	for _, change := range changes {
		if change.Type == "delete" {
			continue
		}
		path := strings.Trim(change.Path, "/")
		if path == "" {
			for _, key := range childKeys(change.Body) {
				seen[key] = struct{}{}
			}
			continue
		}
		key, _, _ := strings.Cut(path, "/")
		if !strings.HasPrefix(key, "_") {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *FeedSource) local(ctx context.Context, fn func(context.Context) error) error {
	if s.gate == nil {
		return fn(ctx)
	}
	return s.gate.Local(ctx, fn)
}

// handleDay converts one day document and emits it. Problems with a single
// document are logged and skipped so the watch keeps running.
func (s *FeedSource) handleDay(ctx context.Context, list FeedList, key string, emit EmitFunc) error {
	dayPath := strings.TrimRight(list.Path, "/") + "/" + list.IndexKey + "/" + key
	logical := FeedLogicalPath(list, key)
	logger := s.logger.WithField("path", logical)

	var meta ResourceMeta
	if err := s.local(ctx, func(ctx context.Context) error {
		var err error
		meta, err = s.client.Meta(ctx, dayPath)
		return err
	}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(err).Debug("day metadata unavailable")
		meta = ResourceMeta{}
	}
	var doc map[string]any
	if err := s.local(ctx, func(ctx context.Context) error {
		return s.client.Get(ctx, dayPath, &doc)
	}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(err).Warn("failed to fetch day document")
		return nil
	}

	modified := meta.ModifiedTime()
	var records []map[string]any
	kind, err := DetectKind(doc)
	switch {
	case err != nil:
		logger.WithError(err).Warn("skipping day document")
		return nil
	case kind == KindSensor:
		records = SensorRecords(doc)
	case kind == KindLabResults:
		if s.checker != nil {
			check, err := s.checker.Check(ctx, portalsync.CheckRequest{Path: logical, LocalSize: -1, LocalModified: modified})
			if err == nil && !check.Stale {
				logger.WithField("reason", check.Reason).Info("lab results already current on portal")
				return nil
			}
			if err != nil {
				logger.WithError(err).Warn("lab result pre-check failed, fetching anyway")
			}
		}
		records, err = LabRecords(ctx, doc, s.gate, func(ctx context.Context, md5 string) (map[string]any, error) {
			var result map[string]any
			err := s.client.Get(ctx, dayPath+"/md5-index/"+md5, &result)
			return result, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Warn("failed to fetch lab results")
			return nil
		}
	}

	payload, err := RecordsToCSV(records)
	if err != nil {
		logger.WithError(err).Warn("failed to render csv")
		return nil
	}
	return emit(ctx, Item{
		ID:               uuid.NewString(),
		Path:             logical,
		Payload:          payload,
		LocalModified:    modified,
		RevisionOverride: meta.LastRevSyncOverride,
		CurrentRevision:  meta.Rev,
		Source:           FeedSourceName,
	})
}
