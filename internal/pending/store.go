package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Entry 记录一笔尚未成交的入场挂单意图。
// 成交后生命周期管理依赖这份数据补挂止损与分腿止盈。
type Entry struct {
	Pair      string    `json:"pair"`
	OrderID   string    `json:"order_id"`
	Side      string    `json:"side"`
	Limit     float64   `json:"limit"`
	Qty       float64   `json:"qty"`
	StopLoss  float64   `json:"sl"`
	TP1       float64   `json:"tp1,omitempty"`
	TP2       float64   `json:"tp2,omitempty"`
	TP3       float64   `json:"tp3,omitempty"`
	LegQtys   []float64 `json:"leg_qtys,omitempty"`
	ExpiresAt time.Time `json:"expiry"`
	CreatedAt time.Time `json:"ts"`
}

// TakeProfits 返回非零的止盈价位，按档位顺序。
func (e Entry) TakeProfits() []float64 {
	var tps []float64
	for _, tp := range []float64{e.TP1, e.TP2, e.TP3} {
		if tp > 0 {
			tps = append(tps, tp)
		}
	}
	return tps
}

// Expired 判断挂单是否超过有效期。
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store 以每个合约一个 JSON 文件的方式持久化挂单意图，
// 天然保证每个合约至多存在一笔待成交挂单。
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore 创建挂单存储，目录不存在时自动创建。
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil, errors.New("pending: 存储目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pending: 创建目录失败: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Save 写入挂单意图，同合约旧记录被覆盖。写入通过临时文件加重命名保证原子性。
func (s *Store) Save(entry Entry) error {
	if entry.Pair == "" {
		return errors.New("pending: pair 不能为空")
	}
	if entry.OrderID == "" {
		return errors.New("pending: order_id 不能为空")
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("pending: 序列化失败: %w", err)
	}

	target := s.path(entry.Pair)
	tmp, err := os.CreateTemp(s.dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("pending: 创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("pending: 写入失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("pending: 关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("pending: 重命名失败: %w", err)
	}

	s.logger.Debug("已保存挂单意图",
		zap.String("pair", entry.Pair),
		zap.String("order_id", entry.OrderID),
	)
	return nil
}

// Load 读取指定合约的挂单意图，不存在时返回 (nil, nil)。
func (s *Store) Load(pair string) (*Entry, error) {
	data, err := os.ReadFile(s.path(pair))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("pending: 读取失败: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("pending: 解析 %s 失败: %w", pair, err)
	}
	return &entry, nil
}

// Delete 删除挂单意图，文件不存在时视为成功。
func (s *Store) Delete(pair string) error {
	err := os.Remove(s.path(pair))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("pending: 删除失败: %w", err)
	}
	return nil
}

// List 返回全部挂单意图；单个文件损坏时跳过并告警，不影响其余记录。
func (s *Store) List() ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("pending: 列举目录失败: %w", err)
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			s.logger.Warn("读取挂单文件失败", zap.String("file", f.Name()), zap.Error(err))
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			s.logger.Warn("挂单文件损坏，已跳过", zap.String("file", f.Name()), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) path(pair string) string {
	name := strings.NewReplacer("/", "_", ":", "_").Replace(pair)
	return filepath.Join(s.dir, name+".json")
}
