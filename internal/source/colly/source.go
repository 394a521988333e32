// Package collysource implements crawler.Source for HTML catalogs using gocolly.
// Each site is described by URL templates and CSS selectors.
package collysource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Selectors locate fields inside fetched HTML.
type Selectors struct {
	// Detail matches the item root on a detail page.
	Detail string `mapstructure:"detail"`
	// Listing matches one element per item on a listing page.
	Listing string `mapstructure:"listing"`
	Code    string `mapstructure:"code"`
	// CodeAttr reads the code from an attribute of the item root instead of Code's text.
	CodeAttr       string            `mapstructure:"code_attr"`
	Title          string            `mapstructure:"title"`
	Thumbnail      string            `mapstructure:"thumbnail"`
	Link           string            `mapstructure:"link"`
	Category       string            `mapstructure:"category"`
	ExternalIDAttr string            `mapstructure:"external_id_attr"`
	TotalPages     string            `mapstructure:"total_pages"`
	NextPage       string            `mapstructure:"next_page"`
	Attributes     map[string]string `mapstructure:"attributes"`
}

// Config describes one remote site. Paths are templates expanded with
// {key}, {target_id}, {target_code}, {page_type}, {page}, {action} and {id}.
type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	ItemPath   string        `mapstructure:"item_path"`
	PagePath   string        `mapstructure:"page_path"`
	ActionPath string        `mapstructure:"action_path"`
	UserAgent  string        `mapstructure:"user_agent"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Selectors  Selectors     `mapstructure:"selectors"`
	// RespectRobots makes requests honor the site's robots.txt. A blocked
	// request fails terminally.
	RespectRobots bool `mapstructure:"respect_robots"`
}

// Source fetches catalog data with a shared Colly collector.
type Source struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Source.
func New(cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("colly source: base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Selectors.Detail == "" {
		cfg.Selectors.Detail = "body"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Source{cfg: cfg, baseCollector: c}, nil
}

// FetchItem loads the detail page addressed by key.
func (s *Source) FetchItem(ctx context.Context, key string) (crawler.ExtractedItem, error) {
	item, err := s.fetchItem(ctx, key)
	metrics.ObserveRemoteCall("fetch_item", err)
	return item, err
}

func (s *Source) fetchItem(ctx context.Context, key string) (crawler.ExtractedItem, error) {
	if s.cfg.ItemPath == "" {
		return crawler.ExtractedItem{}, crawler.Terminal(errors.New("item path not configured"))
	}
	target := s.expand(s.cfg.ItemPath, map[string]string{"{key}": key})

	var (
		item  crawler.ExtractedItem
		found bool
	)
	collector := s.collector(ctx)
	collector.OnHTML(s.cfg.Selectors.Detail, func(e *colly.HTMLElement) {
		if found {
			return
		}
		found = true
		item = s.extract(e)
	})
	if _, err := s.visit(ctx, collector, http.MethodGet, target); err != nil {
		var statusErr *crawler.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return crawler.ExtractedItem{}, crawler.ErrNoItem
		}
		return crawler.ExtractedItem{}, err
	}
	if !found {
		return crawler.ExtractedItem{}, crawler.Terminal(fmt.Errorf("detail markup %q not found at %s", s.cfg.Selectors.Detail, target))
	}
	if item.ExternalID == 0 {
		if id, err := strconv.ParseInt(key, 10, 64); err == nil {
			item.ExternalID = id
		}
	}
	if item.Code == "" {
		item.Code = key
	}
	if item.URL == "" {
		item.URL = target
	}
	return item, nil
}

// FetchPage loads one listing page for target.
func (s *Source) FetchPage(ctx context.Context, target crawler.Target, page int) (crawler.Page, error) {
	result, err := s.fetchPage(ctx, target, page)
	metrics.ObserveRemoteCall("fetch_page", err)
	return result, err
}

func (s *Source) fetchPage(ctx context.Context, target crawler.Target, page int) (crawler.Page, error) {
	if s.cfg.PagePath == "" || s.cfg.Selectors.Listing == "" {
		return crawler.Page{}, crawler.Terminal(errors.New("listing page not configured"))
	}
	pageURL := s.expand(s.cfg.PagePath, map[string]string{
		"{target_id}":   target.ID,
		"{target_code}": target.Code,
		"{page_type}":   target.PageType,
		"{page}":        strconv.Itoa(page),
	})

	var (
		result  crawler.Page
		total   string
		hasNext bool
	)
	collector := s.collector(ctx)
	collector.OnHTML(s.cfg.Selectors.Listing, func(e *colly.HTMLElement) {
		item := s.extract(e)
		if item.Code == "" {
			return
		}
		if item.Category == "" {
			item.Category = target.Code
		}
		result.Items = append(result.Items, item)
	})
	if s.cfg.Selectors.TotalPages != "" {
		collector.OnHTML(s.cfg.Selectors.TotalPages, func(e *colly.HTMLElement) {
			if total == "" {
				total = strings.TrimSpace(e.Text)
			}
		})
	}
	if s.cfg.Selectors.NextPage != "" {
		collector.OnHTML(s.cfg.Selectors.NextPage, func(*colly.HTMLElement) {
			hasNext = true
		})
	}
	resp, err := s.visit(ctx, collector, http.MethodGet, pageURL)
	if err != nil {
		return crawler.Page{}, err
	}
	if total != "" {
		n, convErr := strconv.Atoi(total)
		if convErr != nil {
			return crawler.Page{}, crawler.Terminal(fmt.Errorf("parse total pages %q: %w", total, convErr))
		}
		result.TotalPages = n
	}
	result.HasMore = hasNext || (result.TotalPages > 0 && page < result.TotalPages)
	if len(result.Items) == 0 {
		result.HasMore = false
	}
	result.URL = pageURL
	result.Raw = resp.body
	return result, nil
}

// PerformAction posts the action endpoint for id. Any 2xx counts as success.
func (s *Source) PerformAction(ctx context.Context, kind crawler.ActionKind, id string) (bool, error) {
	ok, err := s.performAction(ctx, kind, id)
	metrics.ObserveRemoteCall("action", err)
	return ok, err
}

func (s *Source) performAction(ctx context.Context, kind crawler.ActionKind, id string) (bool, error) {
	if s.cfg.ActionPath == "" {
		return false, crawler.Terminal(errors.New("action path not configured"))
	}
	target := s.expand(s.cfg.ActionPath, map[string]string{
		"{action}": string(kind),
		"{id}":     id,
	})
	if _, err := s.visit(ctx, s.collector(ctx), http.MethodPost, target); err != nil {
		return false, err
	}
	return true, nil
}

type response struct {
	status int
	body   []byte
}

// visit runs one request on collector. Callbacks fire on this goroutine, so the
// captured values are safe to read once it returns.
func (s *Source) visit(ctx context.Context, collector *colly.Collector, method, target string) (response, error) {
	var (
		resp     response
		errResp  *colly.Response
		errCause error
	)
	collector.OnResponse(func(r *colly.Response) {
		resp = response{status: r.StatusCode, body: append([]byte(nil), r.Body...)}
	})
	collector.OnError(func(r *colly.Response, err error) {
		errResp = r
		errCause = err
	})

	err := collector.Request(method, target, nil, nil, nil)
	if ctx.Err() != nil {
		return response{}, fmt.Errorf("colly %s canceled: %w", method, ctx.Err())
	}
	if errResp != nil && errResp.StatusCode >= 300 {
		return response{}, &crawler.StatusError{Code: errResp.StatusCode, URL: target, Body: string(errResp.Body)}
	}
	if err == nil {
		err = errCause
	}
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return response{}, crawler.Terminal(fmt.Errorf("colly %s %s: %w", method, target, err))
	}
	if err != nil {
		return response{}, fmt.Errorf("colly %s %s: %w", method, target, err)
	}
	return resp, nil
}

func (s *Source) collector(ctx context.Context) *colly.Collector {
	c := s.baseCollector.Clone()
	c.Context = ctx
	return c
}

func (s *Source) extract(e *colly.HTMLElement) crawler.ExtractedItem {
	sel := s.cfg.Selectors
	item := crawler.ExtractedItem{}
	switch {
	case sel.CodeAttr != "":
		item.Code = strings.TrimSpace(e.Attr(sel.CodeAttr))
	case sel.Code != "":
		item.Code = strings.TrimSpace(e.ChildText(sel.Code))
	}
	if sel.Title != "" {
		item.Title = strings.TrimSpace(e.ChildText(sel.Title))
	}
	if sel.Thumbnail != "" {
		if src := e.ChildAttr(sel.Thumbnail, "src"); src != "" {
			item.Thumbnail = e.Request.AbsoluteURL(src)
		}
	}
	if sel.Link != "" {
		if href := e.ChildAttr(sel.Link, "href"); href != "" {
			item.URL = e.Request.AbsoluteURL(href)
		}
	}
	if sel.Category != "" {
		item.Category = strings.TrimSpace(e.ChildText(sel.Category))
	}
	if sel.ExternalIDAttr != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(e.Attr(sel.ExternalIDAttr)), 10, 64); err == nil {
			item.ExternalID = id
		}
	}
	if len(sel.Attributes) > 0 {
		item.Attributes = make(map[string]string, len(sel.Attributes))
		for name, query := range sel.Attributes {
			if v := strings.TrimSpace(e.ChildText(query)); v != "" {
				item.Attributes[name] = v
			}
		}
	}
	return item
}

func (s *Source) expand(path string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, k, url.PathEscape(v))
	}
	expanded := strings.NewReplacer(pairs...).Replace(path)
	if strings.HasPrefix(expanded, "http://") || strings.HasPrefix(expanded, "https://") {
		return expanded
	}
	if !strings.HasPrefix(expanded, "/") {
		expanded = "/" + expanded
	}
	return s.cfg.BaseURL + expanded
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
