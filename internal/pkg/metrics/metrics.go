package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 是 agent 自己的指标注册表，由 status server 的 /metrics 暴露
var Registry = prometheus.NewRegistry()

var (
	// BrokerConnectivityStatus 记录 agent 到 broker 的连接状态
	// 1 = Connected, 0 = Disconnected
	BrokerConnectivityStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trustagent_broker_connectivity_status",
			Help: "The connectivity status to the MQTT broker (1=Connected, 0=Disconnected).",
		},
	)

	// RecoveryPayloadsTotal 记录 CA recovery payload 的处理结果
	RecoveryPayloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustagent_recovery_payloads_total",
			Help: "Total number of CA recovery payloads processed, by result.",
		},
		[]string{"result"}, // result: accepted/unchanged/rejected
	)

	// ManifestRequestsTotal 记录 deviceUpdate service 请求的决定
	ManifestRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustagent_manifest_requests_total",
			Help: "Total number of deviceUpdate service requests, by decision.",
		},
		[]string{"decision"}, // decision: accepted/duplicate/cancelled/rejected
	)

	// SignatureVerifyDuration 记录签名校验耗时
	SignatureVerifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trustagent_signature_verify_seconds",
			Help:    "Latency of signature verification.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"}, // kind: recovery/manifest
	)

	// AgentState 是当前上报的 ADU agent state (0 = Idle, 6 = DeploymentInProgress, 255 = Failed)
	AgentState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trustagent_adu_agent_state",
			Help: "The Device Update agent state last reported.",
		},
	)

	// TrustBundleVersion 是当前存储的 trust bundle 版本号
	TrustBundleVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trustagent_trust_bundle_version",
			Help: "Version number of the stored trust bundle, 0 when none is stored.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		BrokerConnectivityStatus,
		RecoveryPayloadsTotal,
		ManifestRequestsTotal,
		SignatureVerifyDuration,
		AgentState,
		TrustBundleVersion,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
