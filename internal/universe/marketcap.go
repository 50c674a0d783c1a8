package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MarketCapClient 从行情站点拉取按市值排序的币种清单，用于过滤低质量合约。
// 结果带 TTL 缓存；上游不可用时回退到上一次成功的快照。
type MarketCapClient struct {
	baseURL string
	ttl     time.Duration
	client  *http.Client
	logger  *zap.Logger

	mu        sync.Mutex
	cached    map[string]struct{}
	fetchedAt time.Time
}

// NewMarketCapClient 创建市值清单客户端。
func NewMarketCapClient(baseURL string, ttl time.Duration, logger *zap.Logger) *MarketCapClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MarketCapClient{
		baseURL: baseURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// TopBases 返回市值前 n 名的基础币集合（大写符号）。
func (m *MarketCapClient) TopBases(ctx context.Context, n int) (map[string]struct{}, error) {
	if n <= 0 {
		n = 250
	}

	m.mu.Lock()
	if m.cached != nil && time.Since(m.fetchedAt) < m.ttl {
		cached := m.cached
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	bases, err := m.fetch(ctx, n)
	if err != nil {
		m.mu.Lock()
		stale := m.cached
		m.mu.Unlock()
		if stale != nil {
			m.logger.Warn("市值清单拉取失败，使用过期缓存", zap.Error(err))
			return stale, nil
		}
		return nil, err
	}

	m.mu.Lock()
	m.cached = bases
	m.fetchedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("已刷新市值清单", zap.Int("count", len(bases)))
	return bases, nil
}

type marketCapRow struct {
	Symbol string `json:"symbol"`
}

func (m *MarketCapClient) fetch(ctx context.Context, n int) (map[string]struct{}, error) {
	perPage := n
	if perPage > 250 {
		perPage = 250
	}

	query := url.Values{}
	query.Set("vs_currency", "usd")
	query.Set("order", "market_cap_desc")
	query.Set("per_page", fmt.Sprintf("%d", perPage))
	query.Set("page", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("构建市值请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求市值清单失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("市值接口返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rows []marketCapRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("解析市值清单失败: %w", err)
	}

	bases := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
		if symbol != "" {
			bases[symbol] = struct{}{}
		}
	}
	return bases, nil
}
