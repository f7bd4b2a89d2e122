package transpose

import "github.com/ygrebnov/transpose/metrics"

// Instrument names recorded by this package.
const (
	MetricFragmentsReceived = "transpose_fragments_received_total"
	MetricFragmentsDropped  = "transpose_fragments_dropped_total"
	MetricBlocksEmitted     = "transpose_blocks_emitted_total"
	MetricBlocksEvicted     = "transpose_blocks_evicted_total"
	MetricBlocksSkipped     = "transpose_blocks_skipped_total"
	MetricSubbandsZeroed    = "transpose_subbands_zero_filled_total"
	MetricBlocksResident    = "transpose_blocks_resident"
	MetricConnections       = "transpose_receiver_connections"
	MetricConnErrorsDropped = "transpose_receiver_errors_dropped_total"
	MetricSent              = "transpose_distributor_sent_total"
	MetricSendDropped       = "transpose_distributor_dropped_total"
	MetricWriteSeconds      = "transpose_distributor_write_seconds"
)

type instruments struct {
	received     metrics.Counter
	dropped      metrics.Counter
	emitted      metrics.Counter
	evicted      metrics.Counter
	skipped      metrics.Counter
	zeroed       metrics.Counter
	resident     metrics.UpDownCounter
	connections  metrics.UpDownCounter
	connDropped  metrics.Counter
	sent         metrics.Counter
	sendDropped  metrics.Counter
	writeSeconds metrics.Histogram
}

func newInstruments(p metrics.Provider) instruments {
	return instruments{
		received:     p.Counter(MetricFragmentsReceived, metrics.WithDescription("Fragments handed to a collector.")),
		dropped:      p.Counter(MetricFragmentsDropped, metrics.WithDescription("Fragments discarded because their block was already emitted.")),
		emitted:      p.Counter(MetricBlocksEmitted, metrics.WithDescription("Blocks handed downstream.")),
		evicted:      p.Counter(MetricBlocksEvicted, metrics.WithDescription("Blocks emitted before completion to make room.")),
		skipped:      p.Counter(MetricBlocksSkipped, metrics.WithDescription("Block indices never emitted while dropping.")),
		zeroed:       p.Counter(MetricSubbandsZeroed, metrics.WithDescription("Subband columns zero-filled on emission.")),
		resident:     p.UpDownCounter(MetricBlocksResident, metrics.WithDescription("Blocks currently being assembled.")),
		connections:  p.UpDownCounter(MetricConnections, metrics.WithDescription("Open inbound connections.")),
		connDropped:  p.Counter(MetricConnErrorsDropped, metrics.WithDescription("Connection errors nobody read before shutdown.")),
		sent:         p.Counter(MetricSent, metrics.WithDescription("Fragments written to destination hosts.")),
		sendDropped:  p.Counter(MetricSendDropped, metrics.WithDescription("Fragments discarded by a destination queue.")),
		writeSeconds: p.Histogram(MetricWriteSeconds, metrics.WithUnit("seconds"), metrics.WithDescription("Frame write latency.")),
	}
}
