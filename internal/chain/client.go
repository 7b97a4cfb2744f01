package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"PerpAudit/internal/observability"
)

// Client is an etherscan-compatible HTTP implementation of Gateway.
// It owns its rate limiter, retry policy, and response cache; one Client is
// shared by every market pipeline so the upstream request budget is a single
// global ceiling, never per-market.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     Policy
	sleep      SleepFunc
	cache      *Cache
	log        zerolog.Logger
	metrics    *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// NewClient creates a gateway client for an etherscan-style log/proxy API.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(2), 1), // provider default: 2 req/s
		policy:  DefaultPolicy(),
		sleep:   RealSleep,
		log:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimiter sets the shared request-rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithRetryPolicy sets the retry schedule.
func WithRetryPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithSleep replaces the retry delay implementation. Tests use this to run
// the schedule without real time passing.
func WithSleep(s SleepFunc) Option {
	return func(c *Client) { c.sleep = s }
}

// WithCache attaches a response cache for deterministic queries.
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics attaches gateway instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// FetchLogs implements Gateway.
func (c *Client) FetchLogs(ctx context.Context, q FilterQuery, page, pageSize int) ([]Log, error) {
	key := logsCacheKey(q, page, pageSize)
	if body, ok := c.cacheGet(key); ok {
		return parseLogsResult(body)
	}

	params := url.Values{}
	params.Set("module", "logs")
	params.Set("action", "getLogs")
	params.Set("address", q.Address.Hex())
	params.Set("topic0", q.Topic0.Hex())
	if q.Topic1 != nil {
		params.Set("topic0_1_opr", "and")
		params.Set("topic1", q.Topic1.Hex())
	}
	params.Set("fromBlock", strconv.FormatUint(q.FromBlock, 10))
	params.Set("toBlock", strconv.FormatUint(q.ToBlock, 10))
	params.Set("page", strconv.Itoa(page))
	params.Set("offset", strconv.Itoa(pageSize))

	body, err := c.do(ctx, "getLogs", params)
	if err != nil {
		if err == ErrNoRecords {
			return nil, nil
		}
		return nil, err
	}

	logs, err := parseLogsResult(body)
	if err != nil {
		return nil, err
	}

	c.cachePut(key, body)
	if c.metrics != nil {
		c.metrics.PagesFetched.Inc()
	}
	return logs, nil
}

// Call implements Gateway.
func (c *Client) Call(ctx context.Context, to Address, data []byte, atBlock uint64) ([]byte, error) {
	tag := "latest"
	if atBlock > 0 {
		tag = "0x" + strconv.FormatUint(atBlock, 16)
	}

	key := ""
	if atBlock > 0 {
		key = callCacheKey(to, data, atBlock)
		if body, ok := c.cacheGet(key); ok {
			return parseProxyResult(body)
		}
	}

	params := url.Values{}
	params.Set("module", "proxy")
	params.Set("action", "eth_call")
	params.Set("to", to.Hex())
	params.Set("data", "0x"+hex.EncodeToString(data))
	params.Set("tag", tag)

	body, err := c.do(ctx, "eth_call", params)
	if err != nil {
		return nil, err
	}

	result, err := parseProxyResult(body)
	if err != nil {
		return nil, err
	}

	if key != "" {
		c.cachePut(key, body)
	}
	return result, nil
}

// LatestBlock implements Gateway.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	params := url.Values{}
	params.Set("module", "proxy")
	params.Set("action", "eth_blockNumber")

	body, err := c.do(ctx, "eth_blockNumber", params)
	if err != nil {
		return 0, err
	}

	var env proxyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, fmt.Errorf("decode blockNumber response: %w", err)
	}
	return parseHexUint(env.Result)
}

// do runs one API request through the limiter and retry policy. The returned
// error is a *FatalError once the policy gives up.
func (c *Client) do(ctx context.Context, action string, params url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		body, err := c.request(ctx, params)
		if c.metrics != nil {
			c.metrics.GatewayLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
			status := "ok"
			if err != nil {
				status = "error"
			}
			c.metrics.GatewayRequests.WithLabelValues(action, status).Inc()
		}
		if err == nil || err == ErrNoRecords {
			return body, err
		}
		lastErr = err

		retry, delay := c.policy.Decide(attempt, err)
		if !retry {
			break
		}
		if c.metrics != nil {
			c.metrics.GatewayRetries.Inc()
		}
		c.log.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("action", action).
			Err(err).
			Msg("retrying gateway request")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &FatalError{Err: lastErr}
}

func (c *Client) request(ctx context.Context, params url.Values) ([]byte, error) {
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return checkEnvelope(body)
}

// checkEnvelope inspects the etherscan status envelope. "No records found"
// is normalized to ErrNoRecords; throttle messages become rate-limit errors.
func checkEnvelope(body []byte) ([]byte, error) {
	var env struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}

	// Proxy responses carry no status field and pass through untouched.
	if env.Status == "" || env.Status == "1" {
		return body, nil
	}

	switch {
	case strings.Contains(env.Message, "No records found"):
		return nil, ErrNoRecords
	case strings.Contains(strings.ToLower(env.Message), "rate limit"):
		return nil, &RateLimitError{}
	default:
		return nil, fmt.Errorf("api error: %s", env.Message)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func (c *Client) cacheGet(key string) ([]byte, bool) {
	if c.cache == nil || key == "" {
		return nil, false
	}
	body, ok := c.cache.Get(key)
	if c.metrics != nil {
		if ok {
			c.metrics.CacheHits.Inc()
		} else {
			c.metrics.CacheMisses.Inc()
		}
	}
	return body, ok
}

func (c *Client) cachePut(key string, body []byte) {
	if c.cache != nil && key != "" {
		c.cache.Put(key, body)
	}
}

func logsCacheKey(q FilterQuery, page, pageSize int) string {
	t1 := "none"
	if q.Topic1 != nil {
		t1 = q.Topic1.Hex()
	}
	return fmt.Sprintf("logs|%s|%s|%s|%d|%d|%d|%d",
		q.Address.Hex(), q.Topic0.Hex(), t1, q.FromBlock, q.ToBlock, page, pageSize)
}

func callCacheKey(to Address, data []byte, atBlock uint64) string {
	return fmt.Sprintf("call|%s|%s|%d", to.Hex(), hex.EncodeToString(data), atBlock)
}

type proxyEnvelope struct {
	Result string `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func parseProxyResult(body []byte) ([]byte, error) {
	var env proxyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode call response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("call reverted: %s", env.Error.Message)
	}
	return hex.DecodeString(strings.TrimPrefix(env.Result, "0x"))
}

type rawLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TimeStamp       string   `json:"timeStamp"`
	LogIndex        string   `json:"logIndex"`
	TransactionHash string   `json:"transactionHash"`
}

func parseLogsResult(body []byte) ([]Log, error) {
	var env struct {
		Result []rawLog `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode logs response: %w", err)
	}

	logs := make([]Log, 0, len(env.Result))
	for i, r := range env.Result {
		lg, err := r.toLog()
		if err != nil {
			return nil, fmt.Errorf("log entry %d: %w", i, err)
		}
		logs = append(logs, lg)
	}
	return logs, nil
}

func (r rawLog) toLog() (Log, error) {
	addr, err := ParseAddress(r.Address)
	if err != nil {
		return Log{}, err
	}

	topics := make([]Hash, 0, len(r.Topics))
	for _, t := range r.Topics {
		h, err := ParseHash(t)
		if err != nil {
			return Log{}, err
		}
		topics = append(topics, h)
	}

	data, err := hex.DecodeString(strings.TrimPrefix(r.Data, "0x"))
	if err != nil {
		return Log{}, fmt.Errorf("decode data: %w", err)
	}

	block, err := parseHexUint(r.BlockNumber)
	if err != nil {
		return Log{}, fmt.Errorf("block number: %w", err)
	}
	ts, err := parseHexUint(r.TimeStamp)
	if err != nil {
		return Log{}, fmt.Errorf("timestamp: %w", err)
	}
	// The index reports logIndex as "0x" for the first log of a block.
	idx := uint64(0)
	if r.LogIndex != "" && r.LogIndex != "0x" {
		idx, err = parseHexUint(r.LogIndex)
		if err != nil {
			return Log{}, fmt.Errorf("log index: %w", err)
		}
	}

	var txHash Hash
	if r.TransactionHash != "" {
		txHash, err = ParseHash(r.TransactionHash)
		if err != nil {
			return Log{}, fmt.Errorf("tx hash: %w", err)
		}
	}

	return Log{
		Address:     addr,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		LogIndex:    uint32(idx),
		TxHash:      txHash,
		Timestamp:   ts,
	}, nil
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}
