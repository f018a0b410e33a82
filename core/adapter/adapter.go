package adapter

import "ai-grader/core"

// 编译期检查
var _ core.Transport = (*GeminiTransport)(nil)
