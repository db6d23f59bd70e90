package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const quoteCacheTTL = 5 * time.Minute

// alphaVantageResponse mirrors the GLOBAL_QUOTE payload. An unknown symbol
// comes back as an empty "Global Quote" object rather than an error status.
type alphaVantageResponse struct {
	GlobalQuote struct {
		Price string `json:"05. price"`
	} `json:"Global Quote"`
}

// QuoteClient resolves stock symbols to live prices via Alpha Vantage.
// Failures of any kind (network, non-2xx, malformed payload, unknown symbol)
// are reported as a nil quote, never as a transport error.
type QuoteClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	cache   *redis.Client
}

// NewQuoteClient builds a client with a bounded request timeout. cache may be
// nil, in which case every lookup goes to the API.
func NewQuoteClient(apiKey string, cache *redis.Client) *QuoteClient {
	return &QuoteClient{
		apiKey:  apiKey,
		baseURL: "https://www.alphavantage.co",
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Lookup fetches the current quote for symbol, or nil if it cannot be
// resolved. One outbound call per miss, no retries.
func (qc *QuoteClient) Lookup(symbol string) *Quote {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil
	}

	if price, ok := qc.cachedPrice(symbol); ok {
		return &Quote{Symbol: symbol, Name: symbol, Price: price}
	}

	reqURL := fmt.Sprintf("%s/query?function=GLOBAL_QUOTE&symbol=%s&apikey=%s",
		qc.baseURL, url.QueryEscape(symbol), qc.apiKey)

	resp, err := qc.client.Get(reqURL)
	if err != nil {
		log.Printf("quote lookup for %s failed: %v", symbol, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("quote lookup for %s returned status %d", symbol, resp.StatusCode)
		return nil
	}

	var payload alphaVantageResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.Printf("quote lookup for %s: bad payload: %v", symbol, err)
		return nil
	}
	if payload.GlobalQuote.Price == "" {
		return nil
	}

	price, err := decimal.NewFromString(payload.GlobalQuote.Price)
	if err != nil {
		log.Printf("quote lookup for %s: bad price %q", symbol, payload.GlobalQuote.Price)
		return nil
	}

	qc.cachePrice(symbol, price)

	return &Quote{Symbol: symbol, Name: symbol, Price: price}
}

func (qc *QuoteClient) cachedPrice(symbol string) (decimal.Decimal, bool) {
	if qc.cache == nil {
		return decimal.Decimal{}, false
	}
	val, err := qc.cache.Get(context.Background(), quoteCacheKey(symbol)).Result()
	if err != nil {
		return decimal.Decimal{}, false
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return price, true
}

func (qc *QuoteClient) cachePrice(symbol string, price decimal.Decimal) {
	if qc.cache == nil {
		return
	}
	if err := qc.cache.Set(context.Background(), quoteCacheKey(symbol), price.String(), quoteCacheTTL).Err(); err != nil {
		log.Printf("caching price for %s failed: %v", symbol, err)
	}
}

func quoteCacheKey(symbol string) string {
	return "stock:" + symbol + ":price"
}
