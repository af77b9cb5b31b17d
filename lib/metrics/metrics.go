// Package metrics registers vmshare's OTel instruments: per-request
// counters every worker publishes, plus host-wide resource gauges that
// only a designated leader worker samples (spec's multi-process rule).
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// activeCounter is the subset of lib/registry.Store metrics needs, kept
// as an interface so tests can supply a fake instead of a live Redis.
type activeCounter interface {
	ActiveCount(ctx context.Context) (int64, error)
}

// Metrics holds every instrument vmshare's components record into.
type Metrics struct {
	launchesTotal       metric.Int64Counter
	reclaimsTotal       metric.Int64Counter
	snapshotBytesTotal  metric.Int64Counter
	bridgeAttachesTotal metric.Int64Counter
	tracer              trace.Tracer
}

// New creates and registers vmshare's counters, plus an active-instance
// gauge sampled from reg. If isLeader is true, it also registers
// host-wide CPU/memory/disk gauges (spec's leader-only sampling rule);
// followers skip those registrations entirely rather than reporting
// zeros, since a follower's own sample would be redundant and
// potentially misleading in a multi-process deployment.
func New(meter metric.Meter, tracer trace.Tracer, reg activeCounter, diskPath string, isLeader bool) (*Metrics, error) {
	launchesTotal, err := meter.Int64Counter(
		"vmshare_launches_total",
		metric.WithDescription("Total number of instance launch requests"),
	)
	if err != nil {
		return nil, err
	}

	reclaimsTotal, err := meter.Int64Counter(
		"vmshare_reclaims_total",
		metric.WithDescription("Total number of instance reclaims"),
	)
	if err != nil {
		return nil, err
	}

	snapshotBytesTotal, err := meter.Int64Counter(
		"vmshare_snapshot_bytes_total",
		metric.WithDescription("Total bytes written to the snapshot store by drive-backup jobs"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	bridgeAttachesTotal, err := meter.Int64Counter(
		"vmshare_bridge_attaches_total",
		metric.WithDescription("Total number of display bridge attach attempts, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	activeInstances, err := meter.Int64ObservableGauge(
		"vmshare_active_instances",
		metric.WithDescription("Current number of active instances"),
	)
	if err != nil {
		return nil, err
	}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := reg.ActiveCount(ctx)
		if err != nil {
			return nil
		}
		o.ObserveInt64(activeInstances, n)
		return nil
	}, activeInstances); err != nil {
		return nil, err
	}

	if isLeader {
		if err := registerHostGauges(meter, diskPath); err != nil {
			return nil, err
		}
	}

	return &Metrics{
		launchesTotal:       launchesTotal,
		reclaimsTotal:       reclaimsTotal,
		snapshotBytesTotal:  snapshotBytesTotal,
		bridgeAttachesTotal: bridgeAttachesTotal,
		tracer:              tracer,
	}, nil
}

// registerHostGauges samples CPU, memory, and disk usage for the host.
// cpu.Percent's
// interval blocks the callback for its duration; RegisterCallback only
// invokes it on scrape, so this cost is paid per scrape, not per request.
func registerHostGauges(meter metric.Meter, diskPath string) error {
	cpuPercent, err := meter.Float64ObservableGauge(
		"vmshare_host_cpu_percent",
		metric.WithDescription("Host CPU utilization percent, sampled by the leader worker"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return err
	}

	memPercent, err := meter.Float64ObservableGauge(
		"vmshare_host_mem_percent",
		metric.WithDescription("Host memory utilization percent, sampled by the leader worker"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return err
	}

	diskFreeMB, err := meter.Int64ObservableGauge(
		"vmshare_host_disk_free_mb",
		metric.WithDescription("Free disk space in MB on the snapshot store's filesystem"),
		metric.WithUnit("MB"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percents) > 0 {
			o.ObserveFloat64(cpuPercent, percents[0])
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			o.ObserveFloat64(memPercent, vm.UsedPercent)
		}
		if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
			o.ObserveInt64(diskFreeMB, int64(du.Free/(1024*1024)))
		}
		return nil
	}, cpuPercent, memPercent, diskFreeMB)
	return err
}

// RecordLaunch counts a launch attempt by boot kind and outcome.
func (m *Metrics) RecordLaunch(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	m.launchesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", statusOf(err)),
	))
}

// RecordReclaim counts a reclaim attempt.
func (m *Metrics) RecordReclaim(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.reclaimsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusOf(err))))
}

// RecordSnapshotBytes adds bytes written by a completed drive-backup job.
func (m *Metrics) RecordSnapshotBytes(ctx context.Context, bytes int64) {
	if m == nil {
		return
	}
	m.snapshotBytesTotal.Add(ctx, bytes)
}

// RecordBridgeAttach counts a bridge lifecycle event (attached, detached,
// bridge_exited) by kind.
func (m *Metrics) RecordBridgeAttach(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.bridgeAttachesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
