// Package crawler fetches a site's content for ingestion. Strategy is picked
// from the root URL: sitemaps are expanded into a shallow crawl, llms.txt
// variants short-circuit HTML crawling entirely, and everything else becomes
// a bounded same-origin recursive crawl. Robots rules are honored per origin
// and requests to one host are rate limited.
package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/archon-kb/archon/common"
)

// Kind classifies what the strategy selector decided to fetch.
type Kind string

const (
	KindSitemap   Kind = "sitemap"
	KindLLMSText  Kind = "llms_txt"
	KindRecursive Kind = "recursive"
	KindSingle    Kind = "single"
)

// Result is one fetched, normalized page, or one failed URL.
type Result struct {
	URL       string
	Markdown  string
	Links     []string
	MediaType string
	// Raw carries the llms.txt body before section splitting; empty for
	// regular pages.
	Raw string
	// Err is set when the URL could not be fetched; all other fields
	// except URL are empty and the consumer should count and skip it.
	Err error
}

// Options bound a crawl.
type Options struct {
	MaxDepth       int
	PerHostBurst   int
	PolitenessGap  time.Duration
	RequestTimeout time.Duration
	UserAgent      string
	// MaxPages is a safety valve on runaway sitemaps and link graphs.
	MaxPages int
}

func (o *Options) defaults() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 2
	}
	if o.MaxDepth > 5 {
		o.MaxDepth = 5
	}
	if o.PerHostBurst <= 0 {
		o.PerHostBurst = 2
	}
	if o.PolitenessGap <= 0 {
		o.PolitenessGap = 500 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "archon-crawler/1.0"
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 2000
	}
}

// allowedMediaTypes is the binary payload allow-list. Anything else that is
// not HTML or plain text is rejected.
var allowedMediaTypes = map[string]bool{
	"text/html":       true,
	"text/plain":      true,
	"text/markdown":   true,
	"application/pdf": true,
	"application/xml": true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// Crawler drives fetches for one ingestion run.
type Crawler struct {
	opts   Options
	client *http.Client
	log    *logrus.Entry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	robots   map[string]*robotstxt.RobotsData
}

// New builds a crawler with per-run state.
func New(opts Options) *Crawler {
	opts.defaults()
	return &Crawler{
		opts:     opts,
		client:   &http.Client{Timeout: opts.RequestTimeout},
		log:      common.Logger.WithField("component", "crawler"),
		limiters: make(map[string]*rate.Limiter),
		robots:   make(map[string]*robotstxt.RobotsData),
	}
}

// DetectKind picks the strategy for a root URL. The llms.txt probes hit the
// network; sitemap detection is purely syntactic.
func (c *Crawler) DetectKind(ctx context.Context, rootURL string) (Kind, string) {
	u, err := url.Parse(rootURL)
	if err != nil {
		return KindSingle, rootURL
	}

	lower := strings.ToLower(u.Path)
	if strings.HasSuffix(lower, ".xml") || path.Base(lower) == "sitemap.xml" {
		return KindSitemap, rootURL
	}
	if strings.HasSuffix(lower, "llms.txt") || strings.HasSuffix(lower, "llms-full.txt") {
		return KindLLMSText, rootURL
	}

	origin := u.Scheme + "://" + u.Host
	for _, probe := range []string{"/.well-known/llms.txt", "/llms.txt", "/llms-full.txt"} {
		probeURL := origin + probe
		if c.exists(ctx, probeURL) {
			return KindLLMSText, probeURL
		}
	}
	return KindRecursive, rootURL
}

// exists reports whether a HEAD (falling back to GET) returns 200.
func (c *Crawler) exists(ctx context.Context, u string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		body, _, err := c.fetch(ctx, u)
		return err == nil && body != nil
	}
	return resp.StatusCode == http.StatusOK
}

// Crawl runs the selected strategy and streams results. The channel closes
// when the crawl finishes or ctx is cancelled; fetch errors for individual
// URLs come through as Results with Err set so consumers can count them.
func (c *Crawler) Crawl(ctx context.Context, rootURL string) (<-chan Result, Kind) {
	kind, target := c.DetectKind(ctx, rootURL)
	out := make(chan Result)

	go func() {
		defer close(out)
		switch kind {
		case KindSitemap:
			c.crawlSitemap(ctx, target, out)
		case KindLLMSText:
			c.fetchLLMSText(ctx, target, out)
		default:
			c.crawlRecursive(ctx, target, out)
		}
	}()
	return out, kind
}

// limiter returns the per-host rate limiter, creating it on first use.
func (c *Crawler) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.opts.PolitenessGap), c.opts.PerHostBurst)
		c.limiters[host] = lim
	}
	return lim
}

// allowed consults the origin's robots.txt, fetching it once.
func (c *Crawler) allowed(ctx context.Context, u *url.URL) bool {
	origin := u.Scheme + "://" + u.Host

	c.mu.Lock()
	data, ok := c.robots[origin]
	c.mu.Unlock()

	if !ok {
		data = c.fetchRobots(ctx, origin)
		c.mu.Lock()
		c.robots[origin] = data
		c.mu.Unlock()
	}
	if data == nil {
		return true
	}
	return data.TestAgent(u.Path, c.opts.UserAgent)
}

func (c *Crawler) fetchRobots(ctx context.Context, origin string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return data
}

// fetch retrieves one URL, returning body bytes and the media type. Payloads
// outside the allow-list are rejected.
func (c *Crawler) fetch(ctx context.Context, u string) ([]byte, string, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL %q: %w", u, err)
	}
	if !c.allowed(ctx, parsed) {
		return nil, "", fmt.Errorf("disallowed by robots.txt: %s", u)
	}
	if err := c.limiter(parsed.Host).Wait(ctx); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}

	mediaType := resp.Header.Get("Content-Type")
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	if mediaType != "" && !allowedMediaTypes[mediaType] && !strings.HasPrefix(mediaType, "text/") {
		return nil, "", fmt.Errorf("GET %s: media type %s not allowed", u, mediaType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", err
	}
	return body, mediaType, nil
}

// fetchPage fetches and normalizes one HTML page into a Result.
func (c *Crawler) fetchPage(ctx context.Context, u string) (*Result, error) {
	body, mediaType, err := c.fetch(ctx, u)
	if err != nil {
		return nil, err
	}

	res := &Result{URL: u, MediaType: mediaType}
	if mediaType == "text/html" || mediaType == "" {
		markdown, err := htmltomarkdown.ConvertString(string(body))
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", u, err)
		}
		res.Markdown = markdown
		res.Links = extractLinks(body, u)
	} else {
		res.Markdown = string(body)
	}
	return res, nil
}

// extractLinks pulls absolute same-document anchors out of an HTML body.
func extractLinks(body []byte, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err != nil {
					continue
				}
				abs := baseURL.ResolveReference(ref)
				abs.Fragment = ""
				if abs.Scheme != "http" && abs.Scheme != "https" {
					continue
				}
				s := abs.String()
				if !seen[s] {
					seen[s] = true
					links = append(links, s)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links
}

// crawlRecursive walks the link graph breadth first, same origin only, up to
// the configured depth.
func (c *Crawler) crawlRecursive(ctx context.Context, rootURL string, out chan<- Result) {
	root, err := url.Parse(rootURL)
	if err != nil {
		c.log.WithError(err).Warn("invalid root URL")
		return
	}

	type item struct {
		url   string
		depth int
	}
	queue := []item{{url: rootURL, depth: 0}}
	visited := map[string]bool{rootURL: true}
	fetched := 0

	for len(queue) > 0 && fetched < c.opts.MaxPages {
		if ctx.Err() != nil {
			return
		}
		next := queue[0]
		queue = queue[1:]

		page, err := c.fetchPage(ctx, next.url)
		if err != nil {
			c.log.WithError(err).WithField("url", next.url).Debug("skipping page")
			select {
			case out <- Result{URL: next.url, Err: err}:
			case <-ctx.Done():
				return
			}
			continue
		}
		fetched++

		select {
		case out <- *page:
		case <-ctx.Done():
			return
		}

		if next.depth >= c.opts.MaxDepth {
			continue
		}
		for _, link := range page.Links {
			lu, err := url.Parse(link)
			if err != nil || lu.Host != root.Host || visited[link] {
				continue
			}
			visited[link] = true
			queue = append(queue, item{url: link, depth: next.depth + 1})
		}
	}
}

// fetchLLMSText fetches the specialized file; the body goes out raw for
// section splitting downstream.
func (c *Crawler) fetchLLMSText(ctx context.Context, u string, out chan<- Result) {
	body, mediaType, err := c.fetch(ctx, u)
	if err != nil {
		c.log.WithError(err).WithField("url", u).Warn("llms.txt fetch failed")
		select {
		case out <- Result{URL: u, Err: err}:
		case <-ctx.Done():
		}
		return
	}
	select {
	case out <- Result{URL: u, Raw: string(body), MediaType: mediaType}:
	case <-ctx.Done():
	}
}
