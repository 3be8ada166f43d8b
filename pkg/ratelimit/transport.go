package ratelimit

import (
	"bytes"
	"io"
	"net/http"
	"strings"
)

// Transport - http.RoundTripper поверх Fetcher.
//
// Нужен для SDK, которые сами строят http.Request (go-binance):
// их трафик проходит через ту же очередь, лимит и cooldown.
// GET-запросы без подписи к путям из CacheablePaths кэшируются.
type Transport struct {
	Fetcher        *Fetcher
	CacheablePaths []string
}

// NewTransport создаёт Transport поверх fetcher
func NewTransport(fetcher *Fetcher, cacheablePaths ...string) *Transport {
	return &Transport{Fetcher: fetcher, CacheablePaths: cacheablePaths}
}

// RoundTrip реализует http.RoundTripper.
// Ответы 418/429 превращаются в *StatusError: http.Client заворачивает его в
// *url.Error, и вызывающий код может отличить бан от отказа биржи через errors.As.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	fr := &Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	}
	if t.cacheable(req) {
		fr.CacheKey = req.Method + " " + fr.URL
	}

	resp, err := t.Fetcher.Fetch(req.Context(), fr)
	if err != nil {
		return nil, err
	}

	return &http.Response{
		Status:        http.StatusText(resp.StatusCode),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}

func (t *Transport) cacheable(req *http.Request) bool {
	if req.Method != http.MethodGet || req.URL.Query().Has("signature") {
		return false
	}
	for _, p := range t.CacheablePaths {
		if strings.HasSuffix(req.URL.Path, p) {
			return true
		}
	}
	return false
}
