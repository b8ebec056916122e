// Package drive is the Google Drive adapter: paginated folder listing, file
// metadata, export of native docs, binary download, and OAuth token refresh.
package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors map upstream status codes so callers can classify without
// parsing messages.
var (
	ErrNotFound         = errors.New("drive: not found")
	ErrPermissionDenied = errors.New("drive: permission denied")
	ErrRateLimited      = errors.New("drive: rate limited")
	ErrUnauthorized     = errors.New("drive: unauthorized")
)

// FileMeta is the remote metadata for one drive file.
type FileMeta struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	MimeType     string     `json:"mimeType"`
	ModifiedTime *time.Time `json:"modifiedTime,omitempty"`
	Size         int64      `json:"size,string,omitempty"`
}

// Config configures the drive client.
type Config struct {
	// BaseURL of the Drive API (default: https://www.googleapis.com/drive/v3).
	BaseURL string

	// TokenURL of the OAuth token endpoint (default: https://oauth2.googleapis.com/token).
	TokenURL string

	// ClientID and ClientSecret for the refresh grant (required for Refresh).
	ClientID     string
	ClientSecret string

	// Timeout per request (default: 30s).
	Timeout time.Duration

	// PageSize for folder listing (default: 100).
	PageSize int

	// MaxDownloadBytes caps downloads; 0 means no cap.
	MaxDownloadBytes int64
}

// Client talks to the drive API. The access token is passed per call so one
// client serves all users.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a drive client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.googleapis.com/drive/v3"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type listResponse struct {
	Files         []FileMeta `json:"files"`
	NextPageToken string     `json:"nextPageToken"`
}

// ListPage returns one page of files directly under a folder. An empty
// nextToken return value means the listing is complete.
func (c *Client) ListPage(ctx context.Context, accessToken, folderID, pageToken string) ([]FileMeta, string, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", folderID))
	q.Set("fields", "nextPageToken, files(id, name, mimeType, modifiedTime, size)")
	q.Set("pageSize", fmt.Sprintf("%d", c.cfg.PageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	body, err := c.get(ctx, accessToken, c.cfg.BaseURL+"/files?"+q.Encode())
	if err != nil {
		return nil, "", err
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("failed to decode file listing: %w", err)
	}
	return resp.Files, resp.NextPageToken, nil
}

// ListAll pages through a folder until exhaustion.
func (c *Client) ListAll(ctx context.Context, accessToken, folderID string) ([]FileMeta, error) {
	var files []FileMeta
	pageToken := ""
	for {
		page, next, err := c.ListPage(ctx, accessToken, folderID, pageToken)
		if err != nil {
			return nil, err
		}
		files = append(files, page...)
		if next == "" {
			return files, nil
		}
		pageToken = next
	}
}

// GetFileMetadata fetches metadata for one file.
func (c *Client) GetFileMetadata(ctx context.Context, accessToken, fileID string) (*FileMeta, error) {
	body, err := c.get(ctx, accessToken,
		c.cfg.BaseURL+"/files/"+url.PathEscape(fileID)+"?fields=id,name,mimeType,modifiedTime,size")
	if err != nil {
		return nil, err
	}
	var meta FileMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode file metadata: %w", err)
	}
	return &meta, nil
}

// ExportAs exports a drive-native document in the given mime type, e.g.
// text/html for docs.
func (c *Client) ExportAs(ctx context.Context, accessToken, fileID, mimeType string) (string, error) {
	body, err := c.get(ctx, accessToken,
		c.cfg.BaseURL+"/files/"+url.PathEscape(fileID)+"/export?mimeType="+url.QueryEscape(mimeType))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Download fetches a file's raw bytes.
func (c *Client) Download(ctx context.Context, accessToken, fileID string) ([]byte, error) {
	return c.get(ctx, accessToken,
		c.cfg.BaseURL+"/files/"+url.PathEscape(fileID)+"?alt=media")
}

func (c *Client) get(ctx context.Context, accessToken, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drive request failed: %w", err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if c.cfg.MaxDownloadBytes > 0 {
		reader = io.LimitReader(resp.Body, c.cfg.MaxDownloadBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read drive response: %w", err)
	}
	if c.cfg.MaxDownloadBytes > 0 && int64(len(body)) > c.cfg.MaxDownloadBytes {
		return nil, fmt.Errorf("drive response exceeds %d byte limit", c.cfg.MaxDownloadBytes)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func statusError(code int, body []byte) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrPermissionDenied
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("drive API returned status %d: %s", code, msg)
	}
}
