package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Fetcher - единственная точка выхода REST-трафика к биржам
//
// Гарантии:
//   - между двумя запросами к сети проходит не меньше MinSpacing
//   - идемпотентные чтения с CacheKey отдаются из кэша в пределах CacheTTL
//   - запросы выполняются строго по очереди (FIFO) одним воркером
//   - ответ 429/418 переводит Fetcher в cooldown; следующие запросы ждут его окончания
//
// Fetcher не повторяет запросы сам: решение о повторе принимает вызывающий код
// (размещение ордера повторять нельзя).
type Fetcher struct {
	client  *http.Client
	limiter *RateLimiter
	cfg     FetcherConfig

	queue chan *fetchJob

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	mu            sync.Mutex
	cooldownUntil time.Time
	cooldownLevel int
	bannedUntil   time.Time

	closeOnce sync.Once
	closeChan chan struct{}
	wg        sync.WaitGroup

	now func() time.Time
}

// FetcherConfig - параметры Fetcher
type FetcherConfig struct {
	MinSpacing      time.Duration // минимальный интервал между запросами (200ms)
	CacheTTL        time.Duration // TTL кэша идемпотентных чтений (30s)
	QueueSize       int           // ёмкость очереди запросов
	CooldownBase    time.Duration // первый cooldown после 429
	CooldownMax     time.Duration // верхняя граница cooldown
	BanDefault      time.Duration // бан после 418 без Retry-After
	RequestTimeout  time.Duration // таймаут одного HTTP запроса
	OnCooldown      func(status int, d time.Duration)
	OnRequestFinish func(status int, latency time.Duration)
}

// DefaultFetcherConfig возвращает параметры по умолчанию
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		MinSpacing:     200 * time.Millisecond,
		CacheTTL:       30 * time.Second,
		QueueSize:      256,
		CooldownBase:   time.Second,
		CooldownMax:    5 * time.Minute,
		BanDefault:     2 * time.Minute,
		RequestTimeout: 10 * time.Second,
	}
}

// Request - описание REST-запроса
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	CacheKey string // пусто - ответ не кэшируется
}

// Response - результат запроса
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Cached     bool
}

// StatusError - биржа ответила 429 (rate limit) или 418 (IP ban)
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d (retry after %s): %s", e.StatusCode, e.RetryAfter, e.Body)
}

// IsRateLimited - ответ 429
func (e *StatusError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// IsBanned - ответ 418
func (e *StatusError) IsBanned() bool { return e.StatusCode == http.StatusTeapot }

// ErrFetcherClosed возвращается после Close
var ErrFetcherClosed = errors.New("fetcher closed")

type cacheEntry struct {
	resp      *Response
	expiresAt time.Time
}

type fetchJob struct {
	ctx    context.Context
	req    *Request
	result chan fetchResult
}

type fetchResult struct {
	resp *Response
	err  error
}

var (
	defaultFetcher     *Fetcher
	defaultFetcherOnce sync.Once
	defaultFetcherCfg  = DefaultFetcherConfig()
	defaultClient      *http.Client
)

// ConfigureDefault задаёт HTTP клиент и параметры процессного Fetcher.
// Действует только до первого вызова Default.
func ConfigureDefault(client *http.Client, cfg FetcherConfig) {
	defaultClient = client
	defaultFetcherCfg = cfg
}

// Default возвращает процессный Fetcher (singleton).
// Все адаптеры всех стратегий делят один лимит и один cooldown.
func Default() *Fetcher {
	defaultFetcherOnce.Do(func() {
		defaultFetcher = NewFetcher(defaultClient, defaultFetcherCfg)
	})
	return defaultFetcher
}

// NewFetcher создаёт Fetcher и запускает воркер очереди.
// client == nil - используется http.Client с RequestTimeout.
func NewFetcher(client *http.Client, cfg FetcherConfig) *Fetcher {
	def := DefaultFetcherConfig()
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = def.MinSpacing
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = def.CooldownBase
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = def.CooldownMax
	}
	if cfg.BanDefault <= 0 {
		cfg.BanDefault = def.BanDefault
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	f := &Fetcher{
		client:    client,
		limiter:   NewSpacingLimiter(cfg.MinSpacing),
		cfg:       cfg,
		queue:     make(chan *fetchJob, cfg.QueueSize),
		cache:     make(map[string]cacheEntry),
		closeChan: make(chan struct{}),
		now:       time.Now,
	}

	f.wg.Add(1)
	go f.worker()
	return f
}

// Fetch выполняет запрос через кэш, очередь, лимит и cooldown.
//
// Для 418/429 возвращает и Response, и *StatusError.
// Прочие HTTP-статусы не считаются ошибкой транспорта: тело разбирает адаптер.
func (f *Fetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req.CacheKey != "" {
		if resp, ok := f.cached(req.CacheKey); ok {
			return resp, nil
		}
	}

	select {
	case <-f.closeChan:
		return nil, ErrFetcherClosed
	default:
	}

	job := &fetchJob{ctx: ctx, req: req, result: make(chan fetchResult, 1)}

	select {
	case f.queue <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closeChan:
		return nil, ErrFetcherClosed
	}

	select {
	case res := <-job.result:
		return res.resp, res.err
	case <-f.closeChan:
		return nil, ErrFetcherClosed
	case <-ctx.Done():
		// воркер доведёт запрос до конца, результат будет отброшен
		return nil, ctx.Err()
	}
}

// QueueDepth - количество запросов, ожидающих отправки
func (f *Fetcher) QueueDepth() int {
	return len(f.queue)
}

// CooldownRemaining - сколько осталось до конца текущего cooldown/бана
func (f *Fetcher) CooldownRemaining() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	until := f.cooldownUntil
	if f.bannedUntil.After(until) {
		until = f.bannedUntil
	}
	if d := until.Sub(f.now()); d > 0 {
		return d
	}
	return 0
}

// BannedUntil - время окончания IP-бана (нулевое, если бана нет)
func (f *Fetcher) BannedUntil() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bannedUntil
}

// InvalidateCache удаляет записи кэша; без аргументов - весь кэш
func (f *Fetcher) InvalidateCache(keys ...string) {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	if len(keys) == 0 {
		f.cache = make(map[string]cacheEntry)
		return
	}
	for _, k := range keys {
		delete(f.cache, k)
	}
}

// Close останавливает воркер. Запросы в очереди получают ErrFetcherClosed.
func (f *Fetcher) Close() {
	f.closeOnce.Do(func() {
		close(f.closeChan)
	})
	f.wg.Wait()
}

func (f *Fetcher) cached(key string) (*Response, bool) {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return nil, false
	}
	if f.now().After(entry.expiresAt) {
		delete(f.cache, key)
		return nil, false
	}
	resp := *entry.resp
	resp.Cached = true
	return &resp, true
}

func (f *Fetcher) store(key string, resp *Response) {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	f.cache[key] = cacheEntry{resp: resp, expiresAt: f.now().Add(f.cfg.CacheTTL)}
}

func (f *Fetcher) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.closeChan:
			f.drain()
			return
		case job := <-f.queue:
			resp, err := f.execute(job)
			job.result <- fetchResult{resp: resp, err: err}
		}
	}
}

func (f *Fetcher) drain() {
	for {
		select {
		case job := <-f.queue:
			job.result <- fetchResult{err: ErrFetcherClosed}
		default:
			return
		}
	}
}

func (f *Fetcher) execute(job *fetchJob) (*Response, error) {
	if err := job.ctx.Err(); err != nil {
		return nil, err
	}

	// Пока ждали в очереди, ответ мог появиться в кэше
	if job.req.CacheKey != "" {
		if resp, ok := f.cached(job.req.CacheKey); ok {
			return resp, nil
		}
	}

	if err := f.waitCooldown(job.ctx); err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(job.ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(job.ctx, job.req.Method, job.req.URL, bytes.NewReader(job.req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vals := range job.req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	start := f.now()
	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	if f.cfg.OnRequestFinish != nil {
		f.cfg.OnRequestFinish(resp.StatusCode, f.now().Sub(start))
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusTeapot:
		return resp, f.enterCooldown(resp)
	}

	f.resetCooldown()
	if job.req.CacheKey != "" && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		f.store(job.req.CacheKey, resp)
	}
	return resp, nil
}

func (f *Fetcher) waitCooldown(ctx context.Context) error {
	d := f.CooldownRemaining()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-f.closeChan:
		return ErrFetcherClosed
	}
}

// enterCooldown - экспоненциальный cooldown, Retry-After имеет приоритет если он длиннее
func (f *Fetcher) enterCooldown(resp *Response) error {
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	f.mu.Lock()
	var d time.Duration
	if resp.StatusCode == http.StatusTeapot {
		d = f.cfg.BanDefault << uint(f.cooldownLevel)
	} else {
		d = f.cfg.CooldownBase << uint(f.cooldownLevel)
	}
	if d > f.cfg.CooldownMax || d <= 0 {
		d = f.cfg.CooldownMax
	}
	if retryAfter > d {
		d = retryAfter
	}
	until := f.now().Add(d)
	if resp.StatusCode == http.StatusTeapot {
		f.bannedUntil = until
	} else {
		f.cooldownUntil = until
	}
	if f.cooldownLevel < 16 {
		f.cooldownLevel++
	}
	f.mu.Unlock()

	if f.cfg.OnCooldown != nil {
		f.cfg.OnCooldown(resp.StatusCode, d)
	}

	body := string(resp.Body)
	if len(body) > 256 {
		body = body[:256]
	}
	return &StatusError{StatusCode: resp.StatusCode, RetryAfter: d, Body: body}
}

func (f *Fetcher) resetCooldown() {
	f.mu.Lock()
	f.cooldownLevel = 0
	f.mu.Unlock()
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
