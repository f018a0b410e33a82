package core

import (
	"ai-grader/models"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultRetryWait 整个凭证池轮换一遍后仍失败时的等待时长
const DefaultRetryWait = 30 * time.Second

// InvokerOptions 可选项，零值即默认行为
type InvokerOptions struct {
	RetryWait   time.Duration
	CallTimeout time.Duration
	// Limiter 每次尝试前等待令牌，nil 表示不限速
	Limiter  *rate.Limiter
	Recorder InvocationRecorder
	// Sleep 可注入，测试中用于跳过真实等待
	Sleep func(ctx context.Context, d time.Duration) error
}

// Invoker 对单个凭证池执行带轮换/等待策略的生成请求
//
// 同一 Invoker 上的逻辑请求串行执行，AttemptState 只在一次请求内有效。
type Invoker struct {
	pool      *CredentialPool
	transport Transport
	logger    *logrus.Logger
	opts      InvokerOptions

	mu    sync.Mutex
	state AttemptState
}

// NewInvoker 创建 Invoker
func NewInvoker(pool *CredentialPool, transport Transport, logger *logrus.Logger, opts InvokerOptions) *Invoker {
	if opts.RetryWait <= 0 {
		opts.RetryWait = DefaultRetryWait
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Invoker{
		pool:      pool,
		transport: transport,
		logger:    logger,
		opts:      opts,
	}
}

// Pool 返回底层凭证池
func (iv *Invoker) Pool() *CredentialPool {
	return iv.pool
}

// Generate 返回 (文本, true)；放弃时返回 ("", false)，原因已记录日志
func (iv *Invoker) Generate(ctx context.Context, req models.GenerateRequest) (string, bool) {
	return iv.GenerateWith(ctx, req, nil)
}

// GenerateWith 与 Generate 相同，但成功返回的文本还需通过 accept 校验。
// accept 返回错误时视为 malformed_response，按瞬时失败重试。
func (iv *Invoker) GenerateWith(ctx context.Context, req models.GenerateRequest, accept func(string) error) (string, bool) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	defer iv.state.Discard()

	iv.pool.MarkCycleStart()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			iv.abort(req, attempt, iv.pool.Index(), "", 0, err)
			return "", false
		}
		if iv.opts.Limiter != nil {
			if err := iv.opts.Limiter.Wait(ctx); err != nil {
				iv.abort(req, attempt, iv.pool.Index(), "", 0, err)
				return "", false
			}
		}

		index := iv.pool.Index()
		iv.state.Observe(req.Prompt)

		start := time.Now()
		text, err := iv.call(ctx, iv.pool.Current(), req)
		if err == nil && accept != nil {
			if aerr := accept(text); aerr != nil {
				err = &MalformedResponseError{Err: aerr, Snippet: snippet(text, 200)}
			}
		}
		elapsed := time.Since(start)
		AttemptDuration.Observe(elapsed.Seconds())

		if err == nil {
			AttemptTotal.WithLabelValues("ok").Inc()
			iv.record(req, attempt, index, "", "success", elapsed, nil)
			return text, true
		}
		if ctx.Err() != nil {
			iv.abort(req, attempt, index, "", elapsed, ctx.Err())
			return "", false
		}

		class := Classify(err)
		AttemptTotal.WithLabelValues(class.String()).Inc()
		fields := attemptFields(index, attempt, class.String())

		switch {
		case class == FailureQuotaExhausted:
			if iv.pool.Len() == 1 || !iv.pool.AdvanceOrSignalExhausted() {
				fields["action"] = "abort"
				iv.logger.WithFields(fields).Warnf("All %d credentials exhausted, giving up: %v", iv.pool.Len(), err)
				iv.abort(req, attempt, index, class.String(), elapsed, err)
				return "", false
			}
			fields["action"] = "rotate"
			iv.logger.WithFields(fields).Warnf("Quota exhausted, switching to credential #%d", iv.pool.Index()+1)
			iv.decide(req, attempt, index, class, "rotate", elapsed, err)

		case class.Transient():
			if iv.state.Decide(req.Prompt, iv.pool.Len()) == StepWait {
				fields["action"] = "wait"
				iv.logger.WithFields(fields).Warnf("Every credential failed for this prompt, waiting %s: %v", iv.opts.RetryWait, err)
				iv.decide(req, attempt, index, class, "wait", elapsed, err)
				if serr := iv.opts.Sleep(ctx, iv.opts.RetryWait); serr != nil {
					iv.abort(req, attempt, index, "", 0, serr)
					return "", false
				}
				iv.state.ResetRound()
				continue
			}
			next := iv.pool.Rotate()
			iv.state.Advanced(next)
			fields["action"] = "rotate"
			iv.logger.WithFields(fields).Warnf("Transient failure, switching to credential #%d: %v", next+1, err)
			iv.decide(req, attempt, index, class, "rotate", elapsed, err)

		default:
			fields["action"] = "abort"
			iv.logger.WithFields(fields).Errorf("Unrecoverable upstream error: %v", err)
			iv.abort(req, attempt, index, class.String(), elapsed, err)
			return "", false
		}
	}
}

// call 单次调用，叠加 call_timeout
func (iv *Invoker) call(ctx context.Context, apiKey string, req models.GenerateRequest) (string, error) {
	if iv.opts.CallTimeout <= 0 {
		return iv.transport.Generate(ctx, apiKey, req)
	}
	callCtx, cancel := context.WithTimeout(ctx, iv.opts.CallTimeout)
	defer cancel()

	text, err := iv.transport.Generate(callCtx, apiKey, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s: %v", ErrCallTimeout, iv.opts.CallTimeout, err)
	}
	return text, err
}

func (iv *Invoker) decide(req models.GenerateRequest, attempt, index int, class FailureClass, action string, elapsed time.Duration, err error) {
	DecisionTotal.WithLabelValues(action).Inc()
	iv.record(req, attempt, index, class.String(), action, elapsed, err)
}

func (iv *Invoker) abort(req models.GenerateRequest, attempt, index int, class string, elapsed time.Duration, err error) {
	DecisionTotal.WithLabelValues("abort").Inc()
	if class == "" && err != nil {
		fields := attemptFields(index, attempt, "")
		fields["action"] = "abort"
		iv.logger.WithFields(fields).Warnf("Request abandoned: %v", err)
	}
	iv.record(req, attempt, index, class, "abort", elapsed, err)
}

// attemptFields credential 从 1 开始编号，与日志文本一致
func attemptFields(index, attempt int, class string) logrus.Fields {
	fields := logrus.Fields{
		"credential": index + 1,
		"attempt":    attempt,
	}
	if class != "" {
		fields["class"] = class
	}
	return fields
}

func (iv *Invoker) record(req models.GenerateRequest, attempt, index int, class, action string, elapsed time.Duration, err error) {
	if iv.opts.Recorder == nil {
		return
	}
	entry := &models.InvocationLog{
		CreatedAt:       time.Now(),
		Model:           req.Model,
		CredentialIndex: index,
		FailureClass:    class,
		Action:          action,
		Attempt:         attempt,
		Duration:        elapsed.Milliseconds(),
		PromptBytes:     len(req.Prompt),
	}
	if err != nil {
		entry.Error = snippet(err.Error(), 500)
	}
	iv.opts.Recorder.Log(entry)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
