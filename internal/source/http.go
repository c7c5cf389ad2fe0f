package source

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

	"golang.org/x/time/rate"
)

const maxListPages = 10000

// HTTPSource reads a folder from a remote file service exposing
//
//	GET {base}/folders/{folder}/files?page_token=...  -> {"files": [...], "next_page_token": "..."}
//	GET {base}/files/{id}/content                     -> raw bytes
type HTTPSource struct {
	baseURL string
	folder  string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	Token     string        // optional bearer token
	RateLimit float64       // requests per second, 0 = unlimited
	RateBurst int           // defaults to 5
	Timeout   time.Duration // per request, defaults to 60s
}

func NewHTTPSource(baseURL, folder string, opts HTTPOptions) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, errors.New("source URL is required")
	}
	if folder == "" {
		return nil, errors.New("source folder is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 5
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &HTTPSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		folder:  folder,
		token:   opts.Token,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, opts.RateBurst),
	}, nil
}

type listResponse struct {
	Files         []FileInfo `json:"files"`
	NextPageToken string     `json:"next_page_token"`
}

func (s *HTTPSource) get(ctx context.Context, u string) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// List follows next_page_token until the service reports no further pages.
func (s *HTTPSource) List(ctx context.Context) ([]FileInfo, error) {
	var files []FileInfo
	pageToken := ""
	for range maxListPages {
		q := url.Values{}
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		u := s.baseURL + "/folders/" + url.PathEscape(s.folder) + "/files"
		if len(q) > 0 {
			u += "?" + q.Encode()
		}

		resp, err := s.get(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("failed to list folder %s: %w", s.folder, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read listing: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
		}

		var page listResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse listing: %w", err)
		}
		files = append(files, page.Files...)
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
	return nil, fmt.Errorf("listing folder %s exceeded %d pages", s.folder, maxListPages)
}

func (s *HTTPSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	resp, err := s.get(ctx, s.baseURL+"/files/"+url.PathEscape(id)+"/content")
	if err != nil {
		return nil, &FetchError{FileID: id, Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{FileID: id, Retryable: true, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, &FetchError{
			FileID:    id,
			Retryable: retryable,
			Err:       fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body)),
		}
	}
	return body, nil
}
