package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
)

const defaultBaseURL = "https://api.binance.com"

// BinanceClient reads spot market data from the Binance public REST API.
type BinanceClient struct {
	baseURL string
	http    *http.Client
}

type Option func(*BinanceClient)

func WithBaseURL(u string) Option {
	return func(c *BinanceClient) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *BinanceClient) { c.http = h }
}

func NewBinanceClient(opts ...Option) *BinanceClient {
	c := &BinanceClient{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRecentCandles fetches up to count klines for the interval, oldest first.
func (c *BinanceClient) GetRecentCandles(ctx context.Context, symbol, interval string, count int) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(count))

	body, err := c.get(ctx, "/api/v3/klines", q)
	if err != nil {
		return nil, err
	}

	// Klines come back as arrays of mixed numbers and numeric strings:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, "decode klines")
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			return nil, errors.Errorf("kline row has %d fields, want at least 6", len(k))
		}
		var openTime int64
		if err := json.Unmarshal(k[0], &openTime); err != nil {
			return nil, errors.Wrap(err, "decode kline open time")
		}
		candle := models.Candle{OpenTime: time.UnixMilli(openTime).UTC()}
		for i, dst := range []*float64{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume} {
			var s string
			if err := json.Unmarshal(k[i+1], &s); err != nil {
				return nil, errors.Wrap(err, "decode kline field")
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "parse kline field %q", s)
			}
			*dst = v
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func (c *BinanceClient) Get24hTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	body, err := c.get(ctx, "/api/v3/ticker/24hr", q)
	if err != nil {
		return models.Ticker{}, err
	}

	var resp struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Ticker{}, errors.Wrap(err, "decode 24h ticker")
	}

	t := models.Ticker{Symbol: resp.Symbol}
	for _, f := range []struct {
		src string
		dst *float64
	}{
		{resp.LastPrice, &t.LastPrice},
		{resp.PriceChangePercent, &t.PriceChangePct},
		{resp.HighPrice, &t.HighPrice},
		{resp.LowPrice, &t.LowPrice},
		{resp.Volume, &t.Volume},
	} {
		v, err := strconv.ParseFloat(f.src, 64)
		if err != nil {
			return models.Ticker{}, errors.Wrapf(err, "parse ticker field %q", f.src)
		}
		*f.dst = v
	}
	return t, nil
}

func (c *BinanceClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	body, err := c.get(ctx, "/api/v3/ticker/price", q)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, errors.Wrap(err, "decode price")
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse price %q", resp.Price)
	}
	return price, nil
}

func (c *BinanceClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	return body, nil
}
