package universe

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"futures-trader/internal/config"
	"futures-trader/internal/exchange"
)

type tickerClient interface {
	FetchTickers(ctx context.Context) (map[string]exchange.Ticker, error)
}

type capProvider interface {
	TopBases(ctx context.Context, n int) (map[string]struct{}, error)
}

// Selector 组合成交额排名与市值清单，产出每轮决策的合约池。
type Selector struct {
	tickers   tickerClient
	marketCap capProvider
	cfg       config.UniverseConfig
	logger    *zap.Logger

	blacklist map[string]struct{}
}

// NewSelector 创建标的池筛选器。
func NewSelector(tickers tickerClient, marketCap capProvider, cfg config.UniverseConfig, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	blacklist := make(map[string]struct{}, len(cfg.BlacklistBases))
	for _, base := range cfg.BlacklistBases {
		blacklist[strings.ToUpper(base)] = struct{}{}
	}
	return &Selector{
		tickers:   tickers,
		marketCap: marketCap,
		cfg:       cfg,
		logger:    logger,
		blacklist: blacklist,
	}
}

// Select 返回本轮候选合约（统一符号），exclude 中的合约被剔除。
// 首选按成交额排序且基础币位于市值清单内的合约；
// 数量不足时用剩余高成交额合约补齐。
func (s *Selector) Select(ctx context.Context, exclude map[string]struct{}) ([]string, error) {
	tickers, err := s.tickers.FetchTickers(ctx)
	if err != nil {
		return nil, err
	}

	candidates := s.rankByVolume(tickers, exclude)
	if len(candidates) == 0 {
		return nil, nil
	}

	capBases, err := s.marketCap.TopBases(ctx, 250)
	if err != nil {
		// 市值清单不可用时退化为纯成交额排序。
		s.logger.Warn("市值清单不可用，退化为成交额排序", zap.Error(err))
		capBases = nil
	}

	selected := make([]string, 0, s.cfg.Limit)
	seen := make(map[string]struct{}, s.cfg.Limit)

	if capBases != nil {
		for _, c := range candidates {
			if len(selected) >= s.cfg.Limit {
				break
			}
			normalized := exchange.NormalizeBase(c.base)
			if _, ok := capBases[normalized]; !ok {
				continue
			}
			selected = append(selected, c.symbol)
			seen[c.symbol] = struct{}{}
		}
	}

	// 补齐：市值过滤后不足时，按成交额顺序回填。
	for _, c := range candidates {
		if len(selected) >= s.cfg.Limit {
			break
		}
		if _, ok := seen[c.symbol]; ok {
			continue
		}
		selected = append(selected, c.symbol)
		seen[c.symbol] = struct{}{}
	}

	s.logger.Info("已生成标的池",
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(selected)),
	)
	return selected, nil
}

type candidate struct {
	symbol      string
	base        string
	quoteVolume float64
}

func (s *Selector) rankByVolume(tickers map[string]exchange.Ticker, exclude map[string]struct{}) []candidate {
	quote := strings.ToUpper(s.cfg.QuoteAsset)
	suffix := "/" + quote + ":" + quote

	candidates := make([]candidate, 0, len(tickers))
	for symbol, t := range tickers {
		if !strings.HasSuffix(symbol, suffix) {
			continue
		}
		if exclude != nil {
			if _, ok := exclude[symbol]; ok {
				continue
			}
		}
		base := strings.ToUpper(strings.SplitN(symbol, "/", 2)[0])
		if _, ok := s.blacklist[base]; ok {
			continue
		}
		if _, ok := s.blacklist[exchange.NormalizeBase(base)]; ok {
			continue
		}
		if t.QuoteVolume <= 0 {
			continue
		}
		candidates = append(candidates, candidate{symbol: symbol, base: base, quoteVolume: t.QuoteVolume})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].quoteVolume > candidates[j].quoteVolume
	})
	return candidates
}
