package teamsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

type TrackerIssue struct {
	ID     string   `json:"id"`
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

type TrackerRepository struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	FullName    string `json:"fullName"`
	Owner       string `json:"owner"`
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
	URL         string `json:"url"`
}

// TrackerClient talks to the external issue tracker on behalf of one user.
// ListOpenIssues calls page once per fetched page; an error from page stops
// the listing and is returned unchanged.
type TrackerClient interface {
	ListOpenIssues(ctx context.Context, token, owner, repo string, page func([]TrackerIssue) error) error
	ListRepositories(ctx context.Context, token string) ([]TrackerRepository, error)
}

type TrackerHTTPClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	PageSize   int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPTrackerClient speaks the GitHub REST dialect.
type HTTPTrackerClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	pageSize   int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPTrackerClient(opts TrackerHTTPClientOptions) *HTTPTrackerClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "teamsync"
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPTrackerClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  userAgent,
		pageSize:   pageSize,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type githubIssue struct {
	ID     json.Number `json:"id"`
	Number int         `json:"number"`
	Title  string      `json:"title"`
	Body   *string     `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest json.RawMessage `json:"pull_request"`
}

type githubRepository struct {
	ID          json.Number `json:"id"`
	Name        string      `json:"name"`
	FullName    string      `json:"full_name"`
	Description *string     `json:"description"`
	Private     bool        `json:"private"`
	HTMLURL     string      `json:"html_url"`
	Owner       struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (c *HTTPTrackerClient) ListOpenIssues(ctx context.Context, token, owner, repo string, page func([]TrackerIssue) error) error {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	if owner == "" || repo == "" {
		return fmt.Errorf("%w: owner and repo are required", ErrInvalidInput)
	}
	for pageNumber := 1; ; pageNumber++ {
		query := url.Values{}
		query.Set("state", "open")
		query.Set("per_page", strconv.Itoa(c.pageSize))
		query.Set("page", strconv.Itoa(pageNumber))
		path := fmt.Sprintf("/repos/%s/%s/issues?%s", url.PathEscape(owner), url.PathEscape(repo), query.Encode())

		var raw []githubIssue
		header, err := c.getJSON(ctx, token, path, &raw)
		if err != nil {
			return err
		}
		issues := make([]TrackerIssue, 0, len(raw))
		for _, item := range raw {
			// the issues endpoint also lists pull requests
			if len(item.PullRequest) > 0 && string(item.PullRequest) != "null" {
				continue
			}
			issue := TrackerIssue{
				ID:     item.ID.String(),
				Number: item.Number,
				Title:  item.Title,
				Labels: make([]string, 0, len(item.Labels)),
			}
			if item.Body != nil {
				issue.Body = *item.Body
			}
			for _, label := range item.Labels {
				issue.Labels = append(issue.Labels, label.Name)
			}
			issues = append(issues, issue)
		}
		if len(issues) > 0 {
			if err := page(issues); err != nil {
				return err
			}
		}
		if !hasNextPage(header.Get("Link"), len(raw), c.pageSize) {
			return nil
		}
	}
}

func hasNextPage(link string, fetched, pageSize int) bool {
	if strings.TrimSpace(link) != "" {
		return strings.Contains(link, `rel="next"`)
	}
	return fetched >= pageSize
}

func (c *HTTPTrackerClient) ListRepositories(ctx context.Context, token string) ([]TrackerRepository, error) {
	var raw []githubRepository
	if _, err := c.getJSON(ctx, token, "/user/repos?sort=updated&per_page=100", &raw); err != nil {
		return nil, err
	}
	repos := make([]TrackerRepository, 0, len(raw))
	for _, item := range raw {
		repo := TrackerRepository{
			ID:       item.ID.String(),
			Name:     item.Name,
			FullName: item.FullName,
			Owner:    item.Owner.Login,
			Private:  item.Private,
			URL:      item.HTMLURL,
		}
		if item.Description != nil {
			repo.Description = *item.Description
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// authorizedClient wraps the base client's transport with a static bearer
// token source.
func (c *HTTPTrackerClient) authorizedClient(token string) *http.Client {
	return &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.httpClient.Transport,
		},
	}
}

func (c *HTTPTrackerClient) getJSON(ctx context.Context, token, path string, out any) (http.Header, error) {
	if c == nil {
		return nil, fmt.Errorf("tracker http client is nil")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrCredentialMissing
	}
	client := c.authorizedClient(token)
	target := c.baseURL + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := client.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return nil, fmt.Errorf("decode tracker response: %w", err)
			}
			return resp.Header, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		errMessage := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				errMessage = message
			}
		}
		return nil, fmt.Errorf("tracker request failed: status=%d message=%s", resp.StatusCode, errMessage)
	}
}

func (c *HTTPTrackerClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
