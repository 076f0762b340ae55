// ABOUTME: Pagination helpers over the upstream API's offset-based paging.
// ABOUTME: Provides a lazy page iterator and a capped fetch-all flattener.

package upstream

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
)

// Page is one page of an upstream listing. NextOffset is nil on the final
// page.
type Page struct {
	Data       []json.RawMessage `json:"data"`
	Total      int               `json:"total"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
	NextOffset *int              `json:"next_offset"`
}

// Page fetches a single page with the given size and offset.
func (c *Client) Page(ctx context.Context, path string, query url.Values, limit, offset int) (*Page, error) {
	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	raw, err := c.Get(ctx, path, q)
	if err != nil {
		return nil, err
	}

	var page Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PageIterator walks an upstream listing lazily, one page per Next call.
type PageIterator struct {
	client *Client
	path   string
	query  url.Values
	limit  int
	offset int
	done   bool
}

// Pages returns an iterator over the listing at path. Iteration ends when a
// page has no next_offset or comes back empty.
func (c *Client) Pages(path string, query url.Values, limit int) *PageIterator {
	return &PageIterator{client: c, path: path, query: query, limit: limit}
}

// Next fetches the next page, or returns (nil, nil) when the listing is
// exhausted.
func (it *PageIterator) Next(ctx context.Context) (*Page, error) {
	if it.done {
		return nil, nil
	}

	page, err := it.client.Page(ctx, it.path, it.query, it.limit, it.offset)
	if err != nil {
		return nil, err
	}

	if page.NextOffset == nil || len(page.Data) == 0 {
		it.done = true
	} else {
		it.offset = *page.NextOffset
	}

	if len(page.Data) == 0 {
		return nil, nil
	}
	return page, nil
}

// FetchAll flattens a paged listing into one collection, stopping once max
// items have been collected to bound memory on large listings.
func (c *Client) FetchAll(ctx context.Context, path string, query url.Values, limit, max int) ([]json.RawMessage, error) {
	it := c.Pages(path, query, limit)

	var all []json.RawMessage
	for {
		page, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if page == nil {
			return all, nil
		}
		for _, item := range page.Data {
			all = append(all, item)
			if max > 0 && len(all) >= max {
				return all, nil
			}
		}
	}
}
