package simpleindex

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quay/pypimirror/internal/httputil"
)

// maxConcurrentCrawls bounds how many crawl-link fetches a single Crawler
// run issues at once.
const maxConcurrentCrawls = 10

// Crawler fetches the one-hop set of links a Parser collected during a
// scrape=true ParseIndex call and feeds each HTML response back into the
// same Parser with scrape=false, so a second hop never happens: only links
// discovered directly on a project's own simple-index page are crawled.
type Crawler struct {
	HTTP *http.Client
}

func (c *Crawler) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

type fetchedPage struct {
	base *url.URL
	body []byte
}

// Crawl fetches every link in urls concurrently (bounded by
// maxConcurrentCrawls) and merges any HTML response into p via
// p.ParseIndex(..., scrape=false). Non-HTML responses and fetch errors are
// silently skipped: a single broken homepage link must never fail the
// project refresh it was discovered from.
//
// p is not safe for concurrent use, so fetches run in parallel but merges
// happen serially on the calling goroutine once every fetch has returned.
func (c *Crawler) Crawl(ctx context.Context, p *Parser, urls []string) error {
	sem := semaphore.NewWeighted(maxConcurrentCrawls)
	eg, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	pages := make([]fetchedPage, 0, len(urls))

	for _, raw := range urls {
		raw := raw
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)
			body, finalURL, ok := c.fetch(ctx, raw)
			if !ok {
				return nil
			}
			mu.Lock()
			pages = append(pages, fetchedPage{base: finalURL, body: body})
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, pg := range pages {
		if err := p.ParseIndex(pg.base, bytes.NewReader(pg.body), false); err != nil {
			return err
		}
	}
	return nil
}

// fetch retrieves one crawl-link, following redirects, and returns its body
// only if the final response was a 200 with an HTML content type. ok is
// false for any other outcome, including transport errors: crawling is
// best-effort.
func (c *Crawler) fetch(ctx context.Context, target string) (body []byte, finalURL *url.URL, ok bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, false
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, nil, false
	}
	defer resp.Body.Close()
	if err := httputil.CheckResponse(resp, http.StatusOK); err != nil {
		return nil, nil, false
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		return nil, nil, false
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, false
	}
	return b, resp.Request.URL, true
}
