package store

import (
	"encoding/binary"
	"fmt"
)

// 键格式：
//   t:<orderID>\x00<seq>  → 转换记录（按订单查历史）
//   s:<seq>               → 订单 ID（全局顺序回放）
//   m:last_seq            → 已写入的最大序号
const (
	prefixTransition = "t:"
	prefixSequence   = "s:"
	keyLastSeq       = "m:last_seq"
)

func seqBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// historyPrefix 以 \x00 结尾，避免 "A" 的前缀扫描命中 "AB"。
func historyPrefix(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s\x00", prefixTransition, orderID))
}

func transitionKey(orderID string, seq uint64) []byte {
	return append(historyPrefix(orderID), seqBytes(seq)...)
}

func sequenceKey(seq uint64) []byte {
	return append([]byte(prefixSequence), seqBytes(seq)...)
}

func seqFromKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// keyUpperBound 返回前缀扫描的上界。
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
