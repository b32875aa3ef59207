package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/nodebridge/meshbridge/internal/logging"
	"github.com/nodebridge/meshbridge/internal/stats"
)

// statsReporterLoop is spec.md §4.8's stats reporter: every 300 s, refresh
// device stats, publish an online status, log a [SERVICE] summary and a
// [DEVICE] line, prune 24h reconnect history. Grounded on
// original_source/bridge/background.py's stats_logging_loop.
func (r *Runtime) statsReporterLoop(ctx context.Context) {
	defer logging.RecoverPanic(r.logger, "statsReporterLoop")

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	r.lastStatsSnapshot = r.snapshotNow()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.shutdown.Load() || r.mgr.ShouldExit() {
				return
			}
			r.reportStats()
		}
	}
}

func (r *Runtime) snapshotNow() statsSnapshot {
	snap := statsSnapshot{
		takenAt:   time.Now(),
		packetsRX: r.counters.PacketsRX.Load(),
		packetsTX: r.counters.PacketsTX.Load(),
	}
	if r.device != nil {
		if ds := r.device.GetDeviceStats(); len(ds) > 0 {
			snap.rxAirSecs = numericOrZero(ds["rx_air_secs"])
			snap.txAirSecs = numericOrZero(ds["tx_air_secs"])
		}
	}
	return snap
}

func numericOrZero(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func (r *Runtime) reportStats() {
	var deviceStats map[string]any
	if r.device != nil {
		deviceStats = r.device.GetDeviceStats()
		if len(deviceStats) > 0 {
			r.mgr.SetDeviceStats(deviceStats)
		}
	}

	node := r.node
	if statusTopic := r.resolveStatusTopic(); statusTopic != "" {
		r.publishOnlineStatus(statusTopic)
	}

	now := time.Now()
	elapsed := now.Sub(r.lastStatsSnapshot.takenAt).Minutes()
	if elapsed <= 0 {
		elapsed = statsInterval.Minutes()
	}

	rxNow := r.counters.PacketsRX.Load()
	txNow := r.counters.PacketsTX.Load()
	rxRate := float64(rxNow-r.lastStatsSnapshot.packetsRX) / elapsed
	txRate := float64(txNow-r.lastStatsSnapshot.packetsTX) / elapsed

	connected, total := r.mgr.ConnectedCount()
	uptime := r.counters.Uptime()

	reconnectSummary := r.reconnectSummary()

	r.logger.Info().Msg(fmt.Sprintf(
		"[SERVICE] uptime=%s rx=%d tx=%d rx_per_min=%.1f tx_per_min=%.1f bytes=%d brokers=%d/%d publish_failures=%d reconnects_24h=%s",
		formatDuration(uptime), rxNow, txNow, rxRate, txRate,
		r.counters.BytesProcessed.Load(), connected, total,
		r.counters.PublishFailures.Load(), reconnectSummary,
	))

	if len(deviceStats) > 0 {
		rxAir := numericOrZero(deviceStats["rx_air_secs"])
		txAir := numericOrZero(deviceStats["tx_air_secs"])
		rxAirDelta := rxAir - r.lastStatsSnapshot.rxAirSecs
		txAirDelta := txAir - r.lastStatsSnapshot.txAirSecs
		intervalSecs := now.Sub(r.lastStatsSnapshot.takenAt).Seconds()
		var utilizationPct float64
		if intervalSecs > 0 {
			utilizationPct = ((rxAirDelta + txAirDelta) / intervalSecs) * 100
		}

		r.logger.Info().Msg(fmt.Sprintf(
			"[DEVICE] noise_floor=%v battery_mv=%v uptime_secs=%v queue_len=%v rx_errors=%v airtime_util_pct=%.2f name=%s",
			deviceStats["noise_floor"], deviceStats["battery_mv"], deviceStats["uptime_secs"],
			deviceStats["queue_len"], deviceStats["recv_errors"], utilizationPct, node.Name,
		))
	}

	if proc := sampleProcess(); proc.RSSBytes > 0 || proc.CPUPercent > 0 {
		r.logger.Info().Msg(fmt.Sprintf("[PROCESS] cpu_pct=%.2f rss_bytes=%d", proc.CPUPercent, proc.RSSBytes))
		if r.metrics != nil {
			r.metrics.ProcessCPUPercent.Set(proc.CPUPercent)
			r.metrics.ProcessRSSBytes.Set(float64(proc.RSSBytes))
		}
	}

	r.counters.PruneReconnectHistory()
	r.lastStatsSnapshot = statsSnapshot{
		takenAt:   now,
		packetsRX: rxNow,
		packetsTX: txNow,
		rxAirSecs: numericOrZero(deviceStats["rx_air_secs"]),
		txAirSecs: numericOrZero(deviceStats["tx_air_secs"]),
	}
}

func (r *Runtime) reconnectSummary() string {
	summary := ""
	for _, b := range r.cfg.Broker {
		n := r.counters.ReconnectsInLast24h(b.Name)
		if summary != "" {
			summary += ","
		}
		summary += fmt.Sprintf("%s=%d", b.Name, n)
	}
	if summary == "" {
		return "none"
	}
	return summary
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	return fmt.Sprintf("%dh%dm%ds", h, m, s)
}

func sampleProcess() processSnapshot {
	s := stats.SampleProcess()
	return processSnapshot{CPUPercent: s.CPUPercent, RSSBytes: s.RSSBytes}
}

type processSnapshot struct {
	CPUPercent float64
	RSSBytes   uint64
}
