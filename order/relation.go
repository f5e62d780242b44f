package order

import "fmt"

// DependencyKind 依赖关系类型：被依赖订单需要到达的生命周期阶段。
type DependencyKind string

const (
	AfterSubmitted   DependencyKind = "AFTER_SUBMITTED"
	AfterAccepted    DependencyKind = "AFTER_ACCEPTED"
	AfterPartialFill DependencyKind = "AFTER_PARTIAL_FILL"
	AfterFilled      DependencyKind = "AFTER_FILLED"
	AfterCanceled    DependencyKind = "AFTER_CANCELED"
)

// Valid 判断是否为已知类型。
func (k DependencyKind) Valid() bool {
	_, ok := readySets[k]
	return ok
}

// Relation 依赖关系：本订单在 SourceID 到达 Kind 要求的状态后才可释放。
type Relation struct {
	SourceID string
	Kind     DependencyKind
}

func (r Relation) String() string {
	return fmt.Sprintf("%s(%s)", r.Kind, r.SourceID)
}

// Readiness 依赖关系的求值结果。
type Readiness int

const (
	Waiting Readiness = iota
	Ready
	Failed
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "waiting"
	}
}

// Source 被依赖订单的求值输入。
// Known 为 false 表示订单不存在（未登记或已被清理）。
// Released 表示订单曾被释放到交易所。
type Source struct {
	Known    bool
	Status   Status
	Released bool
}

type statusSet map[Status]struct{}

func setOf(ss ...Status) statusSet {
	m := make(statusSet, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func (s statusSet) has(st Status) bool {
	_, ok := s[st]
	return ok
}

var readySets = map[DependencyKind]statusSet{
	AfterSubmitted:   setOf(StatusSubmitted, StatusAccepted, StatusPartiallyFilled, StatusFilled),
	AfterAccepted:    setOf(StatusAccepted, StatusPartiallyFilled, StatusFilled),
	AfterPartialFill: setOf(StatusPartiallyFilled, StatusFilled),
	AfterFilled:      setOf(StatusFilled),
	AfterCanceled:    setOf(StatusCanceled),
}

var failedSets = map[DependencyKind]statusSet{
	AfterSubmitted:   setOf(StatusRejected, StatusExpired),
	AfterAccepted:    setOf(StatusCanceled, StatusRejected, StatusExpired),
	AfterPartialFill: setOf(StatusCanceled, StatusRejected, StatusExpired),
	AfterFilled:      setOf(StatusCanceled, StatusRejected, StatusExpired),
	AfterCanceled:    setOf(StatusFilled, StatusRejected, StatusExpired),
}

// Evaluate 纯函数：根据依赖类型和被依赖订单的状态求值。
func Evaluate(kind DependencyKind, src Source) Readiness {
	if !src.Known {
		return Ready
	}
	if failedSets[kind].has(src.Status) {
		return Failed
	}
	if readySets[kind].has(src.Status) {
		return Ready
	}
	if kind == AfterSubmitted && src.Status == StatusCanceled {
		// 撤单发生在释放之后则"已提交"条件早已满足
		if src.Released {
			return Ready
		}
		return Failed
	}
	return Waiting
}

// EvaluateAll 合并多个依赖的结果：任一失败即失败，全部就绪才就绪。
func EvaluateAll(rels []Relation, lookup func(id string) Source) Readiness {
	result := Ready
	for _, r := range rels {
		switch Evaluate(r.Kind, lookup(r.SourceID)) {
		case Failed:
			return Failed
		case Waiting:
			result = Waiting
		}
	}
	return result
}

// NormalizeRelations 去重 (SourceID, Kind)，保留首次出现的顺序。
func NormalizeRelations(rels []Relation) []Relation {
	if len(rels) == 0 {
		return nil
	}
	seen := make(map[Relation]struct{}, len(rels))
	out := make([]Relation, 0, len(rels))
	for _, r := range rels {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
