// Package tokenizer provides token counting for context budgeting.
//
// The segmenter and the batch pipeline only need a size estimate, never an
// exact encoding, so every Counter here is infallible: the tiktoken-backed
// counter falls back to the character heuristic when encoding data cannot
// be loaded.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter 定义 token 计数接口。
type Counter interface {
	// CountTokens 估算文本的 token 数量。
	CountTokens(text string) int
}

// 每条消息的固定元数据开销（角色、分隔符等）。
const MessageOverhead = 4

// ====== 实现：EstimateCounter ======
// 基于字符数的简单估算：英文约 4 字符/token，CJK 约 1.5 字符/token。

const (
	latinCharsPerToken = 4.0
	cjkCharsPerToken   = 1.5
)

type EstimateCounter struct{}

// NewEstimateCounter 创建基于字符启发式的 Counter。
func NewEstimateCounter() *EstimateCounter {
	return &EstimateCounter{}
}

func (c *EstimateCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	var cjk, latin int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			latin++
		}
	}

	tokens := float64(cjk)/cjkCharsPerToken + float64(latin)/latinCharsPerToken
	return int(tokens) + 1 // 至少 1 个 token
}

// ====== 实现：TiktokenCounter ======

// TiktokenCounter 使用 tiktoken 编码计数，编码数据首次使用时惰性加载。
// 加载失败时回退到 EstimateCounter，保证计数永远可用。
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback *EstimateCounter
}

// NewTiktokenCounter 创建以 tiktoken 为基础的 Counter。
// encoding 为空时默认使用 cl100k_base。
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{
		encoding: encoding,
		fallback: NewEstimateCounter(),
	}
}

func (c *TiktokenCounter) init() {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			// 离线环境下编码数据可能不可用，回退到估算。
			return
		}
		c.enc = enc
	})
}

func (c *TiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	c.init()
	if c.enc == nil {
		return c.fallback.CountTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}
