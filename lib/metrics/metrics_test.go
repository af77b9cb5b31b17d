package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

type fakeActiveCounter struct {
	n   int64
	err error
}

func (f fakeActiveCounter) ActiveCount(ctx context.Context) (int64, error) {
	return f.n, f.err
}

func TestNewRegistersWithoutError(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	m, err := New(meter, nil, fakeActiveCounter{n: 3}, "/tmp", false)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNewWithLeaderRegistersHostGauges(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	_, err := New(meter, nil, fakeActiveCounter{}, "/tmp", true)
	assert.NoError(t, err)
}

func TestNilMetricsRecordMethodsDoNotPanic(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordLaunch(ctx, "profile", nil)
		m.RecordReclaim(ctx, errors.New("boom"))
		m.RecordSnapshotBytes(ctx, 1024)
		m.RecordBridgeAttach(ctx, "attached")
	})
}

func TestRecordMethodsDoNotPanicOnRealInstruments(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	m, err := New(meter, nil, fakeActiveCounter{}, "/tmp", false)
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordLaunch(ctx, "snapshot", nil)
		m.RecordLaunch(ctx, "snapshot", errors.New("fail"))
		m.RecordReclaim(ctx, nil)
		m.RecordSnapshotBytes(ctx, 2048)
		m.RecordBridgeAttach(ctx, "detached")
	})
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, "ok", statusOf(nil))
	assert.Equal(t, "error", statusOf(errors.New("x")))
}
