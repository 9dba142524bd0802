package adcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://prodapi.agdatacoalition.org"

	createdOnLayout = "01/02/2006 15:04:05"
	modifiedLayout  = "2006-01-02T15:04:05"
)

var ErrRepositoryNotFound = errors.New("repository not found")

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ResponseShapeError reports a response body that does not have the shape
// the client relies on.
type ResponseShapeError struct {
	Endpoint string
	Err      error
}

func (e *ResponseShapeError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %v", e.Endpoint, e.Err)
}

func (e *ResponseShapeError) Unwrap() error {
	return e.Err
}

type Repository struct {
	ID   string `json:"reposid"`
	Name string `json:"name"`
}

type Folder struct {
	ID   string `json:"foldersid"`
	Name string `json:"name"`
}

type File struct {
	ID       string `json:"id"`
	Size     int64  `json:"size"`
	Modified string `json:"modifieddate"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	// Location is the time zone of portal timestamps. Defaults to UTC.
	Location   *time.Location
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the portal's REST API. Login and SelectRepository must
// succeed before the folder and file calls are used.
type Client struct {
	baseURL    string
	httpClient *http.Client
	location   *time.Location
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	schemas    schemaSet
	now        func() time.Time

	token  string
	userID string
	repoID string
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		location:   location,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		schemas:    schemas,
		now:        time.Now,
	}
	if c.maxRetries == 0 {
		c.maxRetries = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	return c, nil
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	q := url.Values{}
	q.Set("username", username)
	q.Set("password", password)
	var out struct {
		ID       string `json:"id"`
		APIToken string `json:"apiToken"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/Indentity/Login", q, nil, schemaLogin, &out); err != nil {
		return err
	}
	c.token = out.APIToken
	c.userID = out.ID
	return nil
}

func (c *Client) Repositories(ctx context.Context) ([]Repository, error) {
	q := url.Values{}
	q.Set("ownerid", c.userID)
	var out []Repository
	err := c.doJSON(ctx, http.MethodGet, "/Repos/GetReposByOwnerId", q, nil, schemaRepositories, &out)
	return out, err
}

// SelectRepository makes the repository with the given name the target of
// all folder and file calls.
func (c *Client) SelectRepository(ctx context.Context, name string) error {
	repos, err := c.Repositories(ctx)
	if err != nil {
		return err
	}
	for _, repo := range repos {
		if repo.Name == name {
			c.repoID = repo.ID
			return nil
		}
	}
	return fmt.Errorf("%w: %q (owner has %d repositories)", ErrRepositoryNotFound, name, len(repos))
}

// Folders lists the subfolders of folderID, or the repository's top-level
// folders when folderID is empty.
func (c *Client) Folders(ctx context.Context, folderID string) ([]Folder, error) {
	q := url.Values{}
	q.Set("userId", c.userID)
	q.Set("repoId", c.repoID)
	requestPath := "/Folders/GetAccessibleFoldersInRepo"
	if folderID != "" {
		q.Set("folderId", folderID)
		requestPath = "/Folders/GetAccessibleSubfolders"
	}
	var out []Folder
	err := c.doJSON(ctx, http.MethodGet, requestPath, q, nil, schemaFolders, &out)
	return out, err
}

func (c *Client) Files(ctx context.Context, folderID string) ([]File, error) {
	q := url.Values{}
	q.Set("userId", c.userID)
	q.Set("folderId", folderID)
	var out []File
	err := c.doJSON(ctx, http.MethodGet, "/Files/GetAccessibleFiles", q, nil, schemaFiles, &out)
	return out, err
}

func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	q := url.Values{}
	q.Set("Name", name)
	q.Set("ParentFolderId", parentID)
	q.Set("ReposId", c.repoID)
	q.Set("CreatedOn", c.createdOn())
	var out struct {
		FoldersID string `json:"FoldersId"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/Folders/CreateFolders", q, nil, schemaCreateFolder, &out)
	return out.FoldersID, err
}

func (c *Client) CreateFile(ctx context.Context, folderID, name, fileType string, size int64) (string, error) {
	body := map[string]any{
		"Name":      name,
		"Size":      size,
		"Type":      fileType,
		"FolderId":  folderID,
		"CreatedOn": c.createdOn(),
	}
	var out struct {
		ID string `json:"id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/Files/CreateFiles", nil, body, schemaCreateFile, &out)
	return out.ID, err
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	q := url.Values{}
	q.Set("Id", fileID)
	return c.doJSON(ctx, http.MethodGet, "/Files/DeleteFiles", q, nil, "", nil)
}

// UploadChunk sends one chunk as the multipart field "file". Chunks are
// numbered from zero.
func (c *Client) UploadChunk(ctx context.Context, fileID string, index, total int, chunk []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="blob"`)
	header.Set("Content-Type", mimetype.Detect(chunk).String())
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	requestPath := fmt.Sprintf("/ExternalResources/UploadFileChunk/%s/%s/%d/%d",
		url.PathEscape(c.repoID), url.PathEscape(fileID), index, total)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestPath, &body)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
	return nil
}

func (c *Client) parseModified(raw string) time.Time {
	ts, err := time.ParseInLocation(modifiedLayout, strings.TrimSpace(raw), c.location)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (c *Client) createdOn() string {
	return c.now().In(c.location).Format(createdOnLayout)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	query url.Values,
	body any,
	schema string,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	target := c.baseURL + requestPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	// Creating calls are not idempotent, so only reads are retried.
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return err
		}
		c.setHeaders(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			if schema != "" {
				if err := c.schemas.validate(schema, payload); err != nil {
					return &ResponseShapeError{Endpoint: requestPath, Err: err}
				}
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return &ResponseShapeError{Endpoint: requestPath, Err: err}
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isAuthFailure reports responses that mean the token is no longer
// accepted.
func isAuthFailure(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden
	}
	return false
}
