package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "git_proxy_actions_total",
			Help: "Git requests processed by the chain, by action type, protocol and outcome",
		}, []string{"type", "protocol", "outcome"})

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "git_proxy_step_duration_seconds",
			Help:    "Time spent in each chain processor",
			Buckets: []float64{0.005, 0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"step"})

	HookRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "git_proxy_hook_runs_total",
			Help: "Pre-receive hook executions by result",
		}, []string{"result"})

	SSHConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "git_proxy_ssh_connections",
			Help: "Open SSH client connections",
		})

	RelayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "git_proxy_relay_errors_total",
			Help: "Errors relaying allowed requests to the upstream host",
		}, []string{"protocol"})
)

func init() {
	prometheus.MustRegister(ActionsTotal, StepDuration, HookRuns, SSHConnections, RelayErrors)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
