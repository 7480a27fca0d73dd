package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
)

const (
	maxFetchBytes  = 256 << 10
	maxPageChars   = 6000
	maxFetchedURLs = 3
	maxResults     = 5
)

// leveledLogger lets retryablehttp log through zap.
type leveledLogger struct{ l *zap.SugaredLogger }

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }

func newHTTPClient(logger *zap.SugaredLogger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = leveledLogger{logging.OrNop(logger)}
	return c
}

func get(ctx context.Context, c *retryablehttp.Client, target string) ([]byte, string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", "tourney/1.0")
	resp, err := c.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Newf("GET %s: status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, "", errors.Wrapf(err, "reading %s", target)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// SearchSource queries a JSON search endpoint with the task text. The
// endpoint answers GET <url>?q=<query> with {"results":[{title,url,snippet}]}.
type SearchSource struct {
	endpoint string
	http     *retryablehttp.Client
}

func NewSearchSource(endpoint string, logger *zap.SugaredLogger) *SearchSource {
	return &SearchSource{endpoint: endpoint, http: newHTTPClient(logger)}
}

func (s *SearchSource) Name() string { return "web-search" }

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

func (s *SearchSource) Gather(ctx context.Context, req SubmitRequest) (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", errors.Wrap(err, "parsing search url")
	}
	q := u.Query()
	q.Set("q", req.Task.Query)
	u.RawQuery = q.Encode()

	body, _, err := get(ctx, s.http, u.String())
	if err != nil {
		return "", err
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Wrap(err, "decoding search results")
	}
	var b strings.Builder
	for i, r := range parsed.Results {
		if i == maxResults {
			break
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimSpace(b.String()), nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// FetchSource downloads the pages linked from the task and extracts their text.
type FetchSource struct {
	http   *retryablehttp.Client
	logger *zap.SugaredLogger
}

func NewFetchSource(logger *zap.SugaredLogger) *FetchSource {
	return &FetchSource{http: newHTTPClient(logger), logger: logging.OrNop(logger)}
}

func (s *FetchSource) Name() string { return "web-fetch" }

func (s *FetchSource) Gather(ctx context.Context, req SubmitRequest) (string, error) {
	urls := urlPattern.FindAllString(req.Task.Query, -1)
	if len(urls) > maxFetchedURLs {
		urls = urls[:maxFetchedURLs]
	}
	var b strings.Builder
	for _, target := range urls {
		target = strings.TrimRight(target, ".,;:")
		body, contentType, err := get(ctx, s.http, target)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.logger.Warnw("Fetch failed", "url", target, "error", err)
			continue
		}
		text := string(body)
		if strings.Contains(contentType, "html") || strings.HasPrefix(strings.TrimSpace(text), "<") {
			text = ExtractText(body)
		}
		if len(text) > maxPageChars {
			text = text[:maxPageChars] + " [truncated]"
		}
		fmt.Fprintf(&b, "Source: %s\n%s\n\n", target, text)
	}
	return strings.TrimSpace(b.String()), nil
}

// ExtractText returns the visible text of an HTML document with whitespace
// collapsed. Script, style and head content is skipped.
func ExtractText(doc []byte) string {
	root, err := html.Parse(strings.NewReader(string(doc)))
	if err != nil {
		return string(doc)
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "head", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.Join(parts, " ")
}
