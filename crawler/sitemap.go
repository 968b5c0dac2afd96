package crawler

import (
	"context"
	"encoding/xml"
)

// sitemapURLSet is the <urlset> document; sitemapIndex the <sitemapindex>
// wrapper that points at nested sitemaps.
type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// crawlSitemap expands a sitemap (or sitemap index, one level deep) and
// fetches every listed URL as a shallow crawl.
func (c *Crawler) crawlSitemap(ctx context.Context, sitemapURL string, out chan<- Result) {
	urls := c.sitemapURLs(ctx, sitemapURL, true)
	fetched := 0

	for _, u := range urls {
		if ctx.Err() != nil || fetched >= c.opts.MaxPages {
			return
		}
		page, err := c.fetchPage(ctx, u)
		if err != nil {
			c.log.WithError(err).WithField("url", u).Debug("skipping sitemap entry")
			select {
			case out <- Result{URL: u, Err: err}:
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
	}
}

// sitemapURLs parses one sitemap document, recursing once into indexes.
func (c *Crawler) sitemapURLs(ctx context.Context, sitemapURL string, followIndex bool) []string {
	body, _, err := c.fetch(ctx, sitemapURL)
	if err != nil {
		c.log.WithError(err).WithField("url", sitemapURL).Warn("sitemap fetch failed")
		return nil
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err == nil && len(set.URLs) > 0 {
		urls := make([]string, 0, len(set.URLs))
		for _, u := range set.URLs {
			if u.Loc != "" {
				urls = append(urls, u.Loc)
			}
		}
		return urls
	}

	if followIndex {
		var idx sitemapIndex
		if err := xml.Unmarshal(body, &idx); err == nil && len(idx.Sitemaps) > 0 {
			var urls []string
			for _, sm := range idx.Sitemaps {
				if sm.Loc == "" {
					continue
				}
				urls = append(urls, c.sitemapURLs(ctx, sm.Loc, false)...)
			}
			return urls
		}
	}
	return nil
}
