package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type runKey struct {
	status string
	reason string
}

type runMetrics struct {
	mu       sync.Mutex
	finished map[runKey]uint64
	steps    *histogram
	planner  *histogram
	gates    map[string]uint64
}

var runCollector = &runMetrics{
	finished: make(map[runKey]uint64),
	steps:    newHistogram([]float64{1, 2, 5, 10, 15, 25, 40}),
	planner:  newHistogram([]float64{0.5, 1, 2.5, 5, 10, 20, 30, 60}),
	gates:    make(map[string]uint64),
}

// ObserveRunFinished 记录一次运行终态及其步骤数。
func ObserveRunFinished(status, reason string, steps int) {
	runCollector.mu.Lock()
	defer runCollector.mu.Unlock()
	runCollector.finished[runKey{status: status, reason: reason}]++
	runCollector.steps.observe(float64(steps))
}

// ObservePlannerLatency 记录一次规划调用的耗时。
func ObservePlannerLatency(duration time.Duration) {
	runCollector.mu.Lock()
	defer runCollector.mu.Unlock()
	runCollector.planner.observe(duration.Seconds())
}

// ObserveGateDecision 记录一次人工决策，kind 为 confirmation 或 takeover。
func ObserveGateDecision(kind string) {
	runCollector.mu.Lock()
	defer runCollector.mu.Unlock()
	runCollector.gates[kind]++
}

func (r *runMetrics) render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	type finishedMetric struct {
		runKey
		value uint64
	}
	finished := make([]finishedMetric, 0, len(r.finished))
	for key, value := range r.finished {
		finished = append(finished, finishedMetric{runKey: key, value: value})
	}
	sort.Slice(finished, func(i, j int) bool {
		if finished[i].status == finished[j].status {
			return finished[i].reason < finished[j].reason
		}
		return finished[i].status < finished[j].status
	})

	gateKinds := make([]string, 0, len(r.gates))
	for kind := range r.gates {
		gateKinds = append(gateKinds, kind)
	}
	sort.Strings(gateKinds)

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP phonepilot_runs_finished_total Total number of runs that reached a terminal state.\n")
	builder.WriteString("# TYPE phonepilot_runs_finished_total counter\n")
	for _, metric := range finished {
		builder.WriteString(fmt.Sprintf("phonepilot_runs_finished_total{status=\"%s\",reason=\"%s\"} %d\n",
			escape(metric.status), escape(metric.reason), metric.value))
	}

	builder.WriteString("# HELP phonepilot_run_steps Steps recorded per finished run.\n")
	builder.WriteString("# TYPE phonepilot_run_steps histogram\n")
	writeHistogram(&builder, "phonepilot_run_steps", r.steps)

	builder.WriteString("# HELP phonepilot_planner_latency_seconds Planner round-trip latency in seconds.\n")
	builder.WriteString("# TYPE phonepilot_planner_latency_seconds histogram\n")
	writeHistogram(&builder, "phonepilot_planner_latency_seconds", r.planner)

	builder.WriteString("# HELP phonepilot_gate_decisions_total Human decisions submitted to suspended runs.\n")
	builder.WriteString("# TYPE phonepilot_gate_decisions_total counter\n")
	for _, kind := range gateKinds {
		builder.WriteString(fmt.Sprintf("phonepilot_gate_decisions_total{kind=\"%s\"} %d\n",
			escape(kind), r.gates[kind]))
	}

	return builder.String()
}

func writeHistogram(builder *strings.Builder, name string, hist *histogram) {
	for idx, bound := range hist.buckets {
		builder.WriteString(fmt.Sprintf("%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), hist.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", name, hist.count))
	builder.WriteString(fmt.Sprintf("%s_sum %s\n", name, formatFloat(hist.sum)))
	builder.WriteString(fmt.Sprintf("%s_count %d\n", name, hist.count))
}
