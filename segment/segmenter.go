// Package segment splits an ordered message backlog into size-bounded,
// gap-aligned chunks.
//
// 切分优先落在会话的自然停顿处：算法按间隔从大到小尝试每个切点，
// 取第一个使前缀落入预算的切点；没有任何间隔可用时退化为预算边界硬切。
package segment

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/tokenizer"
	"github.com/BaSui01/convoflow/types"
)

// Result 是一次切分的输出。
type Result struct {
	// Messages 是输入的非空连续前缀（输入非空时）。
	Messages []types.Message
	// CutGap 是实际采用的切点间隔；整段放入或硬切时为 0。
	CutGap time.Duration
	// Size 是所选前缀的累计 token 估算。
	Size int
}

// Segmenter 按大小预算切分时间有序的消息列表。
type Segmenter struct {
	counter tokenizer.Counter
	logger  *zap.Logger
}

// NewSegmenter 创建切分器。counter 为 nil 时使用字符估算。
func NewSegmenter(counter tokenizer.Counter, logger *zap.Logger) *Segmenter {
	if counter == nil {
		counter = tokenizer.NewEstimateCounter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Segmenter{counter: counter, logger: logger}
}

// MessageSize 返回单条消息的 token 估算（含固定元数据开销）。
func (s *Segmenter) MessageSize(m types.Message) int {
	return s.counter.CountTokens(m.Text) + tokenizer.MessageOverhead
}

// Segment 从 msgs 中选出累计大小不超过 sizeBudget 的前缀。
//
// msgs 必须按时间升序排列。minGapFloor 之下的间隔不作为候选切点。
// 算法按间隔值降序逐个尝试切点（相同间隔取最早出现者），
// 迭代次数以不同间隔值的数量为上界，必然终止；
// 没有任何候选间隔能使前缀落入预算时，在预算边界硬切。
//
// 保证：输入非空则输出非空；单条超预算消息被接受并记录（无法再切分）。
func (s *Segmenter) Segment(msgs []types.Message, sizeBudget int, minGapFloor time.Duration) Result {
	if len(msgs) == 0 {
		return Result{}
	}

	// 前缀累计大小：prefix[i] = 前 i 条消息的大小之和
	prefix := make([]int, len(msgs)+1)
	for i, m := range msgs {
		prefix[i+1] = prefix[i] + s.MessageSize(m)
	}

	total := prefix[len(msgs)]
	if total <= sizeBudget {
		return Result{Messages: msgs, Size: total}
	}

	// gap[i] 为第 i 条消息之前的间隔（i >= 1）
	type gapPoint struct {
		idx int
		gap time.Duration
	}
	candidates := make([]gapPoint, 0, len(msgs)-1)
	for i := 1; i < len(msgs); i++ {
		g := msgs[i].Date.Sub(msgs[i-1].Date)
		if g >= minGapFloor {
			candidates = append(candidates, gapPoint{idx: i, gap: g})
		}
	}

	// 阈值从“无上限”开始收紧；每轮消费一个不同的间隔值，
	// 故循环次数 <= 候选数量，显式上界防止退化为死循环。
	const unbounded = time.Duration(1<<63 - 1)
	threshold := unbounded
	for iter := 0; iter < len(candidates); iter++ {
		pick := gapPoint{idx: -1}
		for _, c := range candidates {
			if c.gap >= threshold {
				continue
			}
			// 最大间隔优先；相同间隔取最早出现
			if pick.idx == -1 || c.gap > pick.gap {
				pick = c
			}
		}
		if pick.idx == -1 {
			break
		}
		if prefix[pick.idx] <= sizeBudget {
			s.logger.Debug("segment cut at gap",
				zap.Int("messages", pick.idx),
				zap.Duration("gap", pick.gap),
				zap.Int("size", prefix[pick.idx]))
			return Result{Messages: msgs[:pick.idx], CutGap: pick.gap, Size: prefix[pick.idx]}
		}
		threshold = pick.gap
	}

	// 硬切：没有自然切点可用
	n := 0
	for n < len(msgs) && prefix[n+1] <= sizeBudget {
		n++
	}
	if n == 0 {
		// 单条消息已超预算，无法再切分，照单接受
		s.logger.Warn("single message exceeds size budget",
			zap.Int64("chat_id", msgs[0].ChatID),
			zap.Int64("message_id", msgs[0].MessageID),
			zap.Int("size", prefix[1]),
			zap.Int("budget", sizeBudget))
		n = 1
	}
	s.logger.Debug("segment hard cut",
		zap.Int("messages", n),
		zap.Int("size", prefix[n]))
	return Result{Messages: msgs[:n], Size: prefix[n]}
}
