package order

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition 非法状态转换。
var ErrIllegalTransition = errors.New("illegal state transition")

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机，转换表在构造后只读，可并发使用。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 从CREATED可以转到（调度器释放、撤销、依赖失败、超时）
		{StatusCreated, StatusSubmitted},
		{StatusCreated, StatusCanceled},
		{StatusCreated, StatusRejected},
		{StatusCreated, StatusExpired},

		// 从SUBMITTED可以转到（交易所可能跳过确认直接成交）
		{StatusSubmitted, StatusAccepted},
		{StatusSubmitted, StatusPartiallyFilled},
		{StatusSubmitted, StatusFilled},
		{StatusSubmitted, StatusCanceled},
		{StatusSubmitted, StatusRejected},
		{StatusSubmitted, StatusExpired},

		// 从ACCEPTED可以转到
		{StatusAccepted, StatusPartiallyFilled},
		{StatusAccepted, StatusFilled},
		{StatusAccepted, StatusCanceled},
		{StatusAccepted, StatusRejected},
		{StatusAccepted, StatusExpired},

		// 从PARTIALLY_FILLED可以转到
		{StatusPartiallyFilled, StatusPartiallyFilled}, // 多次部分成交
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCanceled},
		{StatusPartiallyFilled, StatusExpired},

		// 终态不能转换（FILLED, CANCELED, REJECTED, EXPIRED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法。
// 非终态的重复回报视为幂等；终态上的任何回报都返回错误，由调用方降级为告警。
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal (got %s)", ErrIllegalTransition, from, to)
	}
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsRepeatable 该状态是否允许自环（部分成交可重复上报）。
func (sm *StateMachine) IsRepeatable(status Status) bool {
	return sm.transitions[StateTransition{From: status, To: status}]
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	return allowed
}
