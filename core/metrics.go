package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry 全局 Registry，由 serve 命令通过 /metrics 暴露
var MetricsRegistry = prometheus.NewRegistry()

func init() {
	MetricsRegistry.MustRegister(
		AttemptTotal, DecisionTotal, AttemptDuration,
		RunsActive, UnitTotal,
	)
}

// AttemptTotal 上游调用次数（按结果分类）
var AttemptTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aigrader_attempt_total",
		Help: "上游调用次数",
	},
	[]string{"class"}, // ok | quota_exhausted | service_unavailable | network_error | malformed_response | fatal
)

// DecisionTotal 失败后的决策次数
var DecisionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aigrader_decision_total",
		Help: "重试决策次数",
	},
	[]string{"action"}, // rotate | wait | abort
)

// AttemptDuration 单次调用耗时（秒）
var AttemptDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "aigrader_attempt_duration_seconds",
		Help:    "单次上游调用耗时（秒）",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	},
)

// RunsActive 正在执行的工作流数量
var RunsActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "aigrader_runs_active",
		Help: "正在执行的工作流数量",
	},
	[]string{"kind"},
)

// UnitTotal 工作单元结果
var UnitTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aigrader_unit_total",
		Help: "工作单元结果（按类型和状态）",
	},
	[]string{"kind", "status"},
)
