package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "lspbridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lspbridge_sessions",
			Help: "Sessions by lifecycle state",
		},
		[]string{"state"},
	)

	controlCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lspbridge_control_commands_total",
			Help: "Control commands handled",
		},
		[]string{"cmd", "outcome"},
	)

	framesEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lspbridge_frames_enqueued_total",
			Help: "Messages framed for process stdin",
		},
	)

	frameBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lspbridge_frame_body_bytes_total",
			Help: "Body bytes framed for process stdin",
		},
	)

	messagesExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lspbridge_messages_extracted_total",
			Help: "Messages extracted from process stdout",
		},
	)

	stderrLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lspbridge_stderr_lines_total",
			Help: "Diagnostic lines read from process stderr",
		},
	)

	syncFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lspbridge_sync_files_total",
			Help: "Files handled by filesystem sync",
		},
		[]string{"outcome"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lspbridge_sync_duration_seconds",
			Help:    "Filesystem sync pass duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	aborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lspbridge_process_aborts_total",
			Help: "Processes that stopped while a session was live",
		},
		[]string{"process"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessions, controlCommands, framesEnqueued, frameBytes, messagesExtracted, stderrLines, syncFiles, syncDuration, aborts)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SessionTransition moves one session between state gauges. An empty from
// counts a new session, an empty to a removed one.
func SessionTransition(from, to string) {
	if from != "" {
		sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		sessions.WithLabelValues(to).Inc()
	}
}

// RecordControlCommand counts a handled control command.
func RecordControlCommand(cmd string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	controlCommands.WithLabelValues(cmd, outcome).Inc()
}

// RecordFrame counts one framed message of n body bytes.
func RecordFrame(n int) {
	framesEnqueued.Inc()
	frameBytes.Add(float64(n))
}

func RecordMessageExtracted() { messagesExtracted.Inc() }

func RecordStderrLine() { stderrLines.Inc() }

// RecordAbort counts a process abort.
func RecordAbort(process string) {
	aborts.WithLabelValues(process).Inc()
}

// SyncObserver feeds filesystem sync outcomes into the sync collectors.
type SyncObserver struct{}

func (SyncObserver) FileSynced(outcome string) {
	syncFiles.WithLabelValues(outcome).Inc()
}

func (SyncObserver) PassCompleted(d time.Duration) {
	syncDuration.Observe(d.Seconds())
}
