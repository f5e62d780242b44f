// Package scheduler decides when a conditional order may be released to the
// execution venue. Orders wait in a pending queue until every relation on
// their source orders is satisfied; status reports from the venue drive a
// breadth-first re-evaluation of the waiting dependents.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conditional-orders-go/dependency"
	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/infrastructure/monitor"
	"conditional-orders-go/order"
)

// Forwarder 执行端的下行接口。两个方法都必须是非阻塞的投递，
// 并且不能在调用栈内同步回调 Scheduler。
type Forwarder interface {
	Forward(o order.Order) error
	RequestCancel(orderID string) error
}

// Options 构造参数，零值字段使用默认实现。
type Options struct {
	Policy      Policy
	Logger      *logger.Logger
	Monitor     *monitor.Monitor
	Clock       Clock
	Constraints map[string]order.SymbolConstraints
	Fills       *order.FillTracker
}

// Scheduler 条件订单调度器。
//
// mu 保护订单表、依赖图、等待队列与定时索引；所有写操作（含完整的级联传播）
// 在一次加锁内完成。事件、下发与撤单请求在锁内收集并领取提交序号，
// 释放 mu 后在 emitMu 下按序号投递，因此外部观察到的副作用顺序与提交顺序一致，
// 监听器的 I/O 也不会阻塞状态读写。
type Scheduler struct {
	mu          sync.RWMutex
	book        *order.Book
	graph       *dependency.Graph
	queue       *pendingQueue
	released    map[string]bool
	attempts    map[string]int
	sm          *order.StateMachine
	policy      Policy
	constraints map[string]order.SymbolConstraints
	seq         uint64
	nextTicket  uint64

	emitMu    sync.Mutex
	emitTurn  *sync.Cond
	serving   uint64
	listeners []Listener
	forwarder Forwarder

	fills   *order.FillTracker
	clock   Clock
	logger  *logger.Logger
	monitor *monitor.Monitor
}

// New 创建调度器。forwarder 可以为 nil，之后通过 SetForwarder 绑定。
func New(forwarder Forwarder, opts Options) *Scheduler {
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Policy.TickInterval <= 0 {
		opts.Policy.TickInterval = DefaultPolicy().TickInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Fills == nil {
		opts.Fills = order.NewFillTracker(1000, 5*time.Minute)
	}
	s := &Scheduler{
		book:        order.NewBook(),
		graph:       dependency.New(),
		queue:       newPendingQueue(),
		released:    make(map[string]bool),
		attempts:    make(map[string]int),
		sm:          order.NewStateMachine(),
		policy:      opts.Policy,
		constraints: copyConstraints(opts.Constraints),
		forwarder:   forwarder,
		fills:       opts.Fills,
		clock:       opts.Clock,
		logger:      opts.Logger,
		monitor:     opts.Monitor,
	}
	s.emitTurn = sync.NewCond(&s.emitMu)
	return s
}

// SetForwarder 绑定执行端。
func (s *Scheduler) SetForwarder(f Forwarder) {
	s.emitMu.Lock()
	s.forwarder = f
	s.emitMu.Unlock()
}

// Subscribe 注册转换事件监听器。
func (s *Scheduler) Subscribe(l Listener) {
	s.emitMu.Lock()
	s.listeners = append(s.listeners, l)
	s.emitMu.Unlock()
}

// SetPolicy 热更新策略。已在队列中的订单保持原有超时时间。
func (s *Scheduler) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("scheduler policy updated",
		zap.Duration("max_pending", p.MaxPending),
		zap.Duration("retry_backoff", p.RetryBackoff),
		zap.Int("default_retries", p.DefaultRetries))
	return nil
}

// Policy 返回当前策略。
func (s *Scheduler) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetConstraints 替换交易对约束。
func (s *Scheduler) SetConstraints(c map[string]order.SymbolConstraints) {
	s.mu.Lock()
	s.constraints = copyConstraints(c)
	s.mu.Unlock()
}

// Submit 提交订单。
//
// 依赖全部满足时立即转为 SUBMITTED 并下发；已有依赖失败时同步拒绝，
// 返回订单 ID 和 *RejectionError；否则进入等待队列。
// 环形依赖、重复 ID 与非法参数返回错误且不登记任何状态。
func (s *Scheduler) Submit(spec order.Spec) (string, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	rels, err := normalizeSpec(spec)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", id, err)
	}

	s.mu.Lock()
	if err := s.validateLocked(spec); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("submit %s: %w: %v", id, ErrInvalidSpec, err)
	}

	// 不存在的被依赖订单视为已满足，不建边
	kept := rels[:0]
	sources := make([]string, 0, len(rels))
	for _, r := range rels {
		if r.SourceID == id || s.book.Has(r.SourceID) {
			kept = append(kept, r)
			sources = append(sources, r.SourceID)
		}
	}

	if path, cyclic := s.graph.WouldCycle(id, sources); cyclic {
		s.mu.Unlock()
		s.monitor.RecordCycleRejected()
		cerr := &dependency.CycleError{Path: path}
		s.logger.Warn("submit rejected: cyclic dependency",
			zap.String("order_id", id), zap.Strings("path", path))
		return "", fmt.Errorf("submit %s: %w", id, cerr)
	}
	if s.book.Has(id) {
		s.mu.Unlock()
		return "", fmt.Errorf("submit %s: %w", id, ErrDuplicateOrder)
	}
	if err := s.graph.Register(id, sources); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("submit %s: %w", id, err)
	}

	now := s.clock.Now()
	retries := s.policy.DefaultRetries
	if spec.Retries != nil {
		retries = *spec.Retries
	}
	o := &order.Order{
		ID:               id,
		ClientID:         spec.ClientID,
		Symbol:           spec.Symbol,
		Side:             spec.Side,
		Type:             spec.Type,
		Price:            spec.Price,
		Quantity:         spec.Quantity,
		Status:           order.StatusCreated,
		Dependencies:     append([]order.Relation(nil), kept...),
		RetriesRemaining: retries,
		MaxPending:       spec.MaxPending,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	s.book.Put(o)
	s.monitor.RecordSubmitted()

	fx := &effects{}
	var result error
	switch readiness, failedOn := s.evaluateLocked(o); readiness {
	case order.Ready:
		s.releaseLocked(o, order.ReasonNone, fx)
	case order.Failed:
		s.failLocked(o, order.StatusRejected, order.ReasonDependencyFailed, fx)
		result = &RejectionError{OrderID: id, Reason: order.ReasonDependencyFailed, Source: failedOn}
	default:
		s.queue.add(id, s.deadlineLocked(o))
		s.logger.Debug("order pending on dependencies",
			zap.String("order_id", id), zap.Int("dependencies", len(kept)))
	}
	s.commit(fx)
	return id, result
}

// ReportStatus 应用交易所回报，然后传播到下游订单。
// 只有未知订单返回错误；终态订单上的回报和非法转换记录告警后忽略。
func (s *Scheduler) ReportStatus(r Report) error {
	reason := r.Reason
	if reason == order.ReasonNone {
		reason = order.ReasonVenue
	}

	s.mu.Lock()
	o, ok := s.book.Get(r.OrderID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("report %s: %w", r.OrderID, ErrNotFound)
	}
	if o.Status.IsTerminal() {
		s.mu.Unlock()
		s.logger.Warn("report on terminal order ignored",
			zap.String("order_id", r.OrderID),
			zap.String("status", string(o.Status)),
			zap.String("reported", string(r.Status)))
		return nil
	}
	if err := s.sm.ValidateTransition(o.Status, r.Status); err != nil || (s.queue.contains(o.ID) && !r.Status.IsTerminal()) {
		s.mu.Unlock()
		s.monitor.RecordInvalidReport()
		s.logger.Warn("invalid status report ignored",
			zap.String("order_id", r.OrderID),
			zap.String("status", string(o.Status)),
			zap.String("reported", string(r.Status)),
			zap.Error(ErrInvalidTransition))
		return nil
	}

	newFill := false
	if r.Fill != nil {
		newFill = s.fills.RecordFill(o.ID, *r.Fill)
	}

	fx := &effects{}
	if o.Status == r.Status {
		// 重复的部分成交只在带来新成交时产生事件
		if r.Status == order.StatusPartiallyFilled && newFill {
			s.transitionLocked(o, r.Status, reason, fx)
		}
		s.commit(fx)
		return nil
	}

	s.queue.remove(o.ID)
	s.queue.unhold(o.ID)
	s.transitionLocked(o, r.Status, reason, fx)
	if r.Status == order.StatusRejected {
		s.monitor.RecordRejected(string(reason))
	}
	s.propagateLocked(o.ID, fx)
	s.commit(fx)
	return nil
}

// ReportSubmitFailure 处理瞬时下发失败：剩余重试次数大于 0 时扣减并在退避后重新下发，
// 否则以 retry_exhausted 拒绝。
func (s *Scheduler) ReportSubmitFailure(orderID string, cause error) error {
	s.mu.Lock()
	o, ok := s.book.Get(orderID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("submit failure %s: %w", orderID, ErrNotFound)
	}
	if o.Status != order.StatusSubmitted || s.queue.isHeld(orderID) {
		s.mu.Unlock()
		s.logger.Debug("stale submit failure ignored",
			zap.String("order_id", orderID), zap.String("status", string(o.Status)))
		return nil
	}
	if cause != nil {
		o.LastError = cause.Error()
	}

	fx := &effects{}
	if o.RetriesRemaining > 0 {
		o.RetriesRemaining--
		attempt := s.attempts[orderID]
		s.attempts[orderID] = attempt + 1
		until := s.clock.Now().Add(s.policy.backoff(attempt))
		s.queue.hold(orderID, until)
		s.monitor.RecordRetry()
		s.logger.LogOrder("order_retry", orderID, map[string]interface{}{
			"retries_remaining": o.RetriesRemaining,
			"retry_at":          until,
			"cause":             o.LastError,
		})
	} else {
		s.failLocked(o, order.StatusRejected, order.ReasonRetryExhausted, fx)
		s.propagateLocked(orderID, fx)
	}
	s.commit(fx)
	return nil
}

// Cancel 撤销订单。等待中的订单直接置为 CANCELED 并传播；
// 已下发的订单转交执行端撤单，结果通过 ReportStatus 返回；终态订单不做处理。
func (s *Scheduler) Cancel(orderID string) error {
	s.mu.Lock()
	o, ok := s.book.Get(orderID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, ErrNotFound)
	}
	fx := &effects{}
	switch {
	case o.Status.IsTerminal():
		s.logger.Debug("cancel on terminal order ignored", zap.String("order_id", orderID))
	case s.queue.remove(orderID), s.queue.unhold(orderID):
		s.transitionLocked(o, order.StatusCanceled, order.ReasonCanceled, fx)
		s.monitor.RecordCanceled()
		s.propagateLocked(orderID, fx)
	default:
		fx.cancels = append(fx.cancels, orderID)
	}
	s.commit(fx)
	return nil
}

// Tick 处理到期的等待超时与重试退避。
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	fx := &effects{}
	for _, id := range s.queue.expired(now) {
		if !s.queue.remove(id) {
			continue
		}
		o, _ := s.book.Get(id)
		s.failLocked(o, order.StatusExpired, order.ReasonDependencyTimeout, fx)
		s.propagateLocked(id, fx)
	}
	for _, id := range s.queue.releasable(now) {
		if !s.queue.unhold(id) {
			continue
		}
		o, ok := s.book.Get(id)
		if !ok || o.Status != order.StatusSubmitted {
			continue
		}
		s.releaseLocked(o, order.ReasonRetry, fx)
	}
	s.commit(fx)
}

// Run 按 TickInterval 驱动 Tick，并按保留时长定期清理终态订单，直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Policy().TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(time.Minute)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(s.clock.Now())
			if p := s.Policy(); p.TickInterval != interval {
				interval = p.TickInterval
				ticker.Reset(interval)
			}
		case <-pruneTicker.C:
			if retain := s.Policy().RetainTerminal; retain > 0 {
				if n := s.Prune(retain); n > 0 {
					s.logger.Info("pruned terminal orders", zap.Int("count", n))
				}
			}
		}
	}
}

// Prune 删除最后转换早于 olderThan 的终态订单。仍有未结束下游订单的不删除。
func (s *Scheduler) Prune(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-olderThan)
	victims := s.book.Filter(func(o *order.Order) bool {
		if !o.Status.IsTerminal() || o.LastTransitionAt.After(cutoff) {
			return false
		}
		for _, dep := range s.graph.Dependents(o.ID) {
			if d, ok := s.book.Get(dep); ok && !d.Status.IsTerminal() {
				return false
			}
		}
		return true
	})
	for _, o := range victims {
		s.book.Delete(o.ID)
		s.graph.Remove(o.ID)
		delete(s.released, o.ID)
		delete(s.attempts, o.ID)
		s.fills.Forget(o.ID)
	}
	s.monitor.UpdateQueueSizes(s.queue.len(), s.book.Len())
	return len(victims)
}

// Status 返回订单当前状态。
func (s *Scheduler) Status(orderID string) (order.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.book.Get(orderID)
	if !ok {
		return "", fmt.Errorf("status %s: %w", orderID, ErrNotFound)
	}
	return o.Status, nil
}

// Order 返回订单拷贝，Dependents 取自依赖图。
func (s *Scheduler) Order(orderID string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.book.Get(orderID)
	if !ok {
		return order.Order{}, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	c := o.Clone()
	c.Dependents = s.graph.Dependents(orderID)
	return c, nil
}

// DependentsOf 返回依赖该订单的订单 ID。
func (s *Scheduler) DependentsOf(orderID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.book.Has(orderID) {
		return nil, fmt.Errorf("dependents %s: %w", orderID, ErrNotFound)
	}
	return s.graph.Dependents(orderID), nil
}

// Pending 返回等待依赖的订单 ID（有序）。
func (s *Scheduler) Pending() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue.ids()
}

// Held 返回处于重试退避中的订单 ID。
func (s *Scheduler) Held() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue.heldIDs()
}

// ActiveForwarded 返回已下发且未结束的订单，供对账使用。
func (s *Scheduler) ActiveForwarded() []order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Filter(func(o *order.Order) bool {
		return s.released[o.ID] && !o.Status.IsTerminal() && !s.queue.isHeld(o.ID)
	})
}

// Orders 返回全部订单拷贝。
func (s *Scheduler) Orders() []order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.List()
}

// Fills 返回订单的累计成交。
func (s *Scheduler) Fills(orderID string) (order.FillSummary, bool) {
	return s.fills.Summary(orderID)
}

// Graph 返回依赖图的结构快照。
func (s *Scheduler) Graph() dependency.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Snapshot()
}

// NextWake 返回下一个超时或退避到期时间。
func (s *Scheduler) NextWake() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue.nextWake()
}

// Stats 调度器运行概况
type Stats struct {
	Tracked        int     `json:"tracked"`
	Pending        int     `json:"pending"`
	Held           int     `json:"held"`
	Active         int     `json:"active"`
	TotalFills     int     `json:"total_fills"`
	FillsPerMinute float64 `json:"fills_per_minute"`
	LastSeq        uint64  `json:"last_seq"`
}

// Stats 返回当前计数与近期成交率。
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Tracked: s.book.Len(),
		Pending: s.queue.len(),
		Held:    s.queue.heldLen(),
		LastSeq: s.seq,
	}
	st.Active = len(s.book.Filter(func(o *order.Order) bool {
		return s.released[o.ID] && !o.Status.IsTerminal() && !s.queue.isHeld(o.ID)
	}))
	now := s.clock.Now()
	s.mu.RUnlock()

	st.TotalFills = s.fills.GetTotalFills()
	st.FillsPerMinute = s.fills.RecentFillRate(now)
	return st
}

// ---- 以下方法要求调用方持有 mu ----

func (s *Scheduler) lookupLocked(id string) order.Source {
	o, ok := s.book.Get(id)
	if !ok {
		return order.Source{}
	}
	return order.Source{Known: true, Status: o.Status, Released: s.released[id]}
}

// evaluateLocked 求值全部依赖；失败时同时返回导致失败的被依赖订单。
func (s *Scheduler) evaluateLocked(o *order.Order) (order.Readiness, string) {
	result := order.Ready
	for _, r := range o.Dependencies {
		switch order.Evaluate(r.Kind, s.lookupLocked(r.SourceID)) {
		case order.Failed:
			return order.Failed, r.SourceID
		case order.Waiting:
			result = order.Waiting
		}
	}
	return result, ""
}

func (s *Scheduler) deadlineLocked(o *order.Order) time.Time {
	maxPending := o.MaxPending
	if maxPending <= 0 {
		maxPending = s.policy.MaxPending
	}
	if maxPending <= 0 {
		return time.Time{}
	}
	return o.CreatedAt.Add(maxPending)
}

func (s *Scheduler) transitionLocked(o *order.Order, to order.Status, reason order.Reason, fx *effects) {
	from := o.Status
	now := s.clock.Now()
	o.Status = to
	o.Reason = reason
	o.LastTransitionAt = now
	s.seq++
	fx.events = append(fx.events, TransitionEvent{
		Seq:     s.seq,
		OrderID: o.ID,
		From:    from,
		To:      to,
		Reason:  reason,
		At:      now,
	})
	if to.IsTerminal() {
		delete(s.attempts, o.ID)
		s.monitor.RecordTerminal(string(to))
	}
}

func (s *Scheduler) releaseLocked(o *order.Order, reason order.Reason, fx *effects) {
	s.transitionLocked(o, order.StatusSubmitted, reason, fx)
	if !s.released[o.ID] {
		s.released[o.ID] = true
		s.monitor.RecordReleased(o.LastTransitionAt.Sub(o.CreatedAt).Seconds())
	}
	fx.forwards = append(fx.forwards, o.Clone())
}

func (s *Scheduler) failLocked(o *order.Order, to order.Status, reason order.Reason, fx *effects) {
	s.transitionLocked(o, to, reason, fx)
	switch to {
	case order.StatusExpired:
		s.monitor.RecordExpired()
	case order.StatusRejected:
		s.monitor.RecordRejected(string(reason))
	}
}

func (s *Scheduler) commit(fx *effects) {
	pending, tracked := s.queue.len(), s.book.Len()
	if fx.empty() {
		s.mu.Unlock()
		s.monitor.UpdateQueueSizes(pending, tracked)
		return
	}
	// 锁内领取序号，解锁后按序号轮流投递，投递期间不持有 mu
	ticket := s.nextTicket
	s.nextTicket++
	s.mu.Unlock()

	s.emitMu.Lock()
	for s.serving != ticket {
		s.emitTurn.Wait()
	}
	failures := s.flush(fx)
	s.serving++
	s.emitTurn.Broadcast()
	s.emitMu.Unlock()

	s.monitor.UpdateQueueSizes(pending, tracked)
	for id, err := range failures {
		if rerr := s.ReportSubmitFailure(id, err); rerr != nil {
			s.logger.LogError(rerr, map[string]interface{}{"order_id": id})
		}
	}
}

// flush 在 emitMu 内依次投递事件、下发与撤单请求，返回下发失败的订单。
func (s *Scheduler) flush(fx *effects) map[string]error {
	for _, ev := range fx.events {
		s.logger.LogTransition(ev.OrderID, string(ev.From), string(ev.To), string(ev.Reason), ev.Forced())
		for _, l := range s.listeners {
			l(ev)
		}
	}

	var failures map[string]error
	for _, o := range fx.forwards {
		if s.forwarder == nil {
			s.logger.Warn("no forwarder bound, order not sent", zap.String("order_id", o.ID))
			continue
		}
		if err := s.forwarder.Forward(o); err != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[o.ID] = err
			continue
		}
		s.logger.LogOrder("order_forwarded", o.ID, map[string]interface{}{
			"symbol": o.Symbol,
			"side":   o.Side,
		})
	}
	for _, id := range fx.cancels {
		if s.forwarder == nil {
			continue
		}
		if err := s.forwarder.RequestCancel(id); err != nil {
			s.logger.LogOrder("dispatch_error", id, map[string]interface{}{
				"action": "cancel",
				"error":  err.Error(),
			})
		}
	}
	return failures
}

func (s *Scheduler) validateLocked(spec order.Spec) error {
	if spec.MaxPending < 0 {
		return fmt.Errorf("max pending %s must be >= 0", spec.MaxPending)
	}
	if spec.Retries != nil && *spec.Retries < 0 {
		return fmt.Errorf("retries %d must be >= 0", *spec.Retries)
	}
	c, ok := s.constraints[spec.Symbol]
	if !ok {
		return nil
	}
	return c.Validate(spec.Type, spec.Price, spec.Quantity)
}

func normalizeSpec(spec order.Spec) ([]order.Relation, error) {
	rels := make([]order.Relation, 0, len(spec.Dependencies))
	for _, r := range spec.Dependencies {
		if !r.Kind.Valid() {
			return nil, fmt.Errorf("%w: unknown dependency kind %q", ErrInvalidSpec, r.Kind)
		}
		r.SourceID = strings.TrimSpace(r.SourceID)
		// 空引用等同于没有依赖
		if r.SourceID == "" {
			continue
		}
		rels = append(rels, r)
	}
	return order.NormalizeRelations(rels), nil
}

func copyConstraints(c map[string]order.SymbolConstraints) map[string]order.SymbolConstraints {
	out := make(map[string]order.SymbolConstraints, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
