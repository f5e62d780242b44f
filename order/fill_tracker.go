package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FillEvent 成交事件
type FillEvent struct {
	OrderID   string
	TradeID   string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// FillSummary 单个订单的累计成交。
type FillSummary struct {
	OrderID   string
	FilledQty decimal.Decimal
	Notional  decimal.Decimal
	Fills     int
}

// AvgPrice 成交均价；无成交时为 0。
func (s FillSummary) AvgPrice() decimal.Decimal {
	if s.FilledQty.IsZero() {
		return decimal.Zero
	}
	return s.Notional.Div(s.FilledQty)
}

// FillTracker 跟踪每个订单的累计成交与近期成交率
type FillTracker struct {
	mu sync.RWMutex

	perOrder map[string]*FillSummary
	// 同一 TradeID 重复上报只记一次
	seenTrades map[string]struct{}

	// 近期成交记录（滑动窗口）
	recentFills []FillEvent
	maxHistory  int
	windowSize  time.Duration

	totalFills int
}

// NewFillTracker 创建成交跟踪器
func NewFillTracker(maxHistory int, windowSize time.Duration) *FillTracker {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	if windowSize <= 0 {
		windowSize = 5 * time.Minute
	}

	return &FillTracker{
		perOrder:    make(map[string]*FillSummary),
		seenTrades:  make(map[string]struct{}),
		recentFills: make([]FillEvent, 0, maxHistory),
		maxHistory:  maxHistory,
		windowSize:  windowSize,
	}
}

// RecordFill 记录成交；重复的 TradeID 返回 false。
func (f *FillTracker) RecordFill(orderID string, fd FillDetails) bool {
	if fd.Quantity.Sign() <= 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if fd.TradeID != "" {
		key := orderID + "/" + fd.TradeID
		if _, dup := f.seenTrades[key]; dup {
			return false
		}
		f.seenTrades[key] = struct{}{}
	}
	ts := fd.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	sum, ok := f.perOrder[orderID]
	if !ok {
		sum = &FillSummary{OrderID: orderID}
		f.perOrder[orderID] = sum
	}
	sum.FilledQty = sum.FilledQty.Add(fd.Quantity)
	sum.Notional = sum.Notional.Add(fd.Price.Mul(fd.Quantity))
	sum.Fills++

	f.recentFills = append(f.recentFills, FillEvent{
		OrderID:   orderID,
		TradeID:   fd.TradeID,
		Price:     fd.Price,
		Quantity:  fd.Quantity,
		Timestamp: ts,
	})
	f.totalFills++
	f.cleanOldFillsUnsafe(ts)
	return true
}

// cleanOldFillsUnsafe 清理超出窗口的成交记录（非线程安全）
func (f *FillTracker) cleanOldFillsUnsafe(now time.Time) {
	cutoff := now.Add(-f.windowSize)

	validStart := len(f.recentFills)
	for i, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			validStart = i
			break
		}
	}
	if validStart > 0 {
		f.recentFills = f.recentFills[validStart:]
	}

	// 限制最大历史数
	if len(f.recentFills) > f.maxHistory {
		f.recentFills = f.recentFills[len(f.recentFills)-f.maxHistory:]
	}
}

// Summary 返回订单的累计成交。
func (f *FillTracker) Summary(orderID string) (FillSummary, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.perOrder[orderID]
	if !ok {
		return FillSummary{OrderID: orderID}, false
	}
	return *s, true
}

// Forget 订单被清理时释放成交记录。
func (f *FillTracker) Forget(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.perOrder, orderID)
	prefix := orderID + "/"
	for k := range f.seenTrades {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(f.seenTrades, k)
		}
	}
}

// RecentFillRate 获取窗口内每分钟成交次数
func (f *FillTracker) RecentFillRate(now time.Time) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	windowStart := now.Add(-f.windowSize)
	count := 0
	for _, fill := range f.recentFills {
		if fill.Timestamp.After(windowStart) {
			count++
		}
	}
	return float64(count) / f.windowSize.Minutes()
}

// GetTotalFills 获取总成交次数
func (f *FillTracker) GetTotalFills() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.totalFills
}
