package conversation

import (
	"fmt"
	"time"
)

// 统计消息使用的指标键。
const (
	StatTotalDuration = "total_duration"
	StatTimeCoverage  = "time_coverage"
)

// Stats 是一次运行的汇总统计。时长单位为毫秒。
type Stats struct {
	AnnotatedMillis float64
	TotalMillis     float64
	InputTokens     float64
	OutputTokens    float64
}

// Aggregate 汇总所有消息上的耗时与 token 数，墙钟时长取 start 到 end。
func Aggregate(msgs []Message, start, end time.Time) Stats {
	var s Stats
	for _, msg := range msgs {
		s.AnnotatedMillis += msg.Stat(StatDuration)
		s.InputTokens += msg.Stat(StatInputTokens)
		s.OutputTokens += msg.Stat(StatOutputTokens)
	}
	if end.After(start) {
		s.TotalMillis = float64(end.Sub(start).Milliseconds())
	}
	return s
}

// Coverage 是已标注耗时占墙钟时长的比例。
func (s Stats) Coverage() float64 {
	if s.TotalMillis <= 0 {
		return 0
	}
	return s.AnnotatedMillis / s.TotalMillis
}

// Message 把统计转换为 stats 角色的消息。
func (s Stats) Message(now time.Time) Message {
	text := fmt.Sprintf("总耗时 %.1fs，已标注 %.1fs (覆盖率 %.1f%%)，输入 token %d，输出 token %d",
		s.TotalMillis/1000, s.AnnotatedMillis/1000, s.Coverage()*100,
		int64(s.InputTokens), int64(s.OutputTokens))
	return Message{
		Role:    RoleStats,
		Content: []ContentPart{TextPart(text)},
		Stats: map[string]float64{
			StatDuration:      s.AnnotatedMillis,
			StatTotalDuration: s.TotalMillis,
			StatInputTokens:   s.InputTokens,
			StatOutputTokens:  s.OutputTokens,
			StatTimeCoverage:  s.Coverage(),
		},
		Timestamp: now,
	}
}
