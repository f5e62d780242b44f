package scheduler

import (
	"go.uber.org/zap"

	"conditional-orders-go/order"
)

// propagateLocked 从 rootID 出发按广度优先重新求值等待中的下游订单：
// 依赖失败的以 dependency_failed 拒绝，依赖满足的释放下发，
// 两者都继续向各自的下游传播。调用方持有 mu。
func (s *Scheduler) propagateLocked(rootID string, fx *effects) {
	frontier := []string{rootID}
	evaluated := 0

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]

		for _, depID := range s.graph.Dependents(cur) {
			if !s.queue.contains(depID) {
				continue
			}
			dep, ok := s.book.Get(depID)
			if !ok {
				continue
			}
			evaluated++

			readiness, failedOn := s.evaluateLocked(dep)
			switch readiness {
			case order.Failed:
				s.queue.remove(depID)
				s.failLocked(dep, order.StatusRejected, order.ReasonDependencyFailed, fx)
				s.logger.Debug("dependent failed by cascade",
					zap.String("order_id", depID),
					zap.String("source", failedOn),
					zap.String("root", rootID))
				frontier = append(frontier, depID)
			case order.Ready:
				s.queue.remove(depID)
				s.releaseLocked(dep, order.ReasonNone, fx)
				frontier = append(frontier, depID)
			}
		}
	}

	s.monitor.RecordCascade(evaluated)
}
