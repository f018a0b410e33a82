package core

// RetryStep 瞬时失败后的下一步
type RetryStep int

const (
	StepRotate RetryStep = iota
	StepWait
)

func (s RetryStep) String() string {
	if s == StepWait {
		return "wait"
	}
	return "rotate"
}

// AttemptState 同一 prompt 连续失败时的轮换计数
//
// fingerprint 是完整的 prompt 文本 (按相等比较，不做哈希)。
// tryTimes 是自 fingerprint 变化以来做过的轮换次数。
type AttemptState struct {
	fingerprint string
	tracking    bool
	tryTimes    int
	lastIndex   int
}

// Observe prompt 变化时重置计数，返回是否发生了重置
func (s *AttemptState) Observe(prompt string) bool {
	if s.tracking && s.fingerprint == prompt {
		return false
	}
	s.fingerprint = prompt
	s.tracking = true
	s.tryTimes = 0
	return true
}

// Decide 先轮换，同一 prompt 把整个池轮换过一遍后才等待
func (s *AttemptState) Decide(prompt string, poolSize int) RetryStep {
	s.Observe(prompt)
	if s.tryTimes >= poolSize {
		return StepWait
	}
	return StepRotate
}

// Advanced 记录一次轮换，index 为轮换后的凭证索引
func (s *AttemptState) Advanced(index int) {
	s.tryTimes++
	s.lastIndex = index
}

// ResetRound 等待结束后开始新一轮
func (s *AttemptState) ResetRound() {
	s.tryTimes = 0
}

// TryTimes 当前轮次已轮换次数
func (s *AttemptState) TryTimes() int {
	return s.tryTimes
}

// LastIndex 最近一次轮换后的凭证索引
func (s *AttemptState) LastIndex() int {
	return s.lastIndex
}

// Discard 逻辑请求结束 (成功或放弃)
func (s *AttemptState) Discard() {
	*s = AttemptState{}
}
