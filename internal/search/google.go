// Package search proxies an external book-search API. The upstream is a
// black box: the client maps its volume records onto catalog-shaped results
// and nothing else.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type Result struct {
	Title         string          `json:"title"`
	Author        string          `json:"author"`
	Description   string          `json:"description"`
	PublishedDate string          `json:"published_date"`
	ISBN          string          `json:"isbn"`
	Price         decimal.Decimal `json:"price"`
}

type volumesResponse struct {
	Items []struct {
		VolumeInfo struct {
			Title               string   `json:"title"`
			Authors             []string `json:"authors"`
			Description         string   `json:"description"`
			PublishedDate       string   `json:"publishedDate"`
			IndustryIdentifiers []struct {
				Type       string `json:"type"`
				Identifier string `json:"identifier"`
			} `json:"industryIdentifiers"`
			RetailPrice struct {
				Amount float64 `json:"amount"`
			} `json:"retailPrice"`
		} `json:"volumeInfo"`
	} `json:"items"`
}

func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	endpoint := fmt.Sprintf("%s/volumes?q=%s", c.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search api returned status %d", resp.StatusCode)
	}

	var body volumesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]Result, 0, len(body.Items))
	for _, item := range body.Items {
		info := item.VolumeInfo

		title := info.Title
		if title == "" {
			title = "Unknown"
		}

		author := "Unknown"
		if len(info.Authors) > 0 {
			author = strings.Join(info.Authors, ", ")
		}

		isbn := ""
		if len(info.IndustryIdentifiers) > 0 {
			isbn = info.IndustryIdentifiers[0].Identifier
		}

		results = append(results, Result{
			Title:         title,
			Author:        author,
			Description:   info.Description,
			PublishedDate: info.PublishedDate,
			ISBN:          isbn,
			Price:         decimal.NewFromFloat(info.RetailPrice.Amount),
		})
	}

	return results, nil
}
