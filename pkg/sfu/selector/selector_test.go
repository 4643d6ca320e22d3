package selector_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/selector"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

func noopSend(ctx context.Context, out graph.Outbound) error { return nil }

func testLayers() []*types.Layer {
	return []*types.Layer{
		types.NewLayer(types.LayerID{Spatial: 0, Temporal: 0}, 320, 180, 15, 150_000),
		types.NewLayer(types.LayerID{Spatial: 1, Temporal: 0}, 640, 360, 30, 500_000),
		types.NewLayer(types.LayerID{Spatial: 2, Temporal: 0}, 1280, 720, 30, 1_500_000),
	}
}

func TestEvaluateInitialPickTakesDesiredOutright(t *testing.T) {
	s := selector.New(selector.DefaultParams(), logr.Discard())
	e := graph.NewEdge(1, 2, 10, 4, noopSend)

	now := time.Now()
	s.ReportBandwidth(e, 2_000_000, now)
	d := s.Evaluate(e, testLayers(), now.Add(time.Second))

	require.True(t, d.Switched)
	assert.Equal(t, types.LayerID{Spatial: 2, Temporal: 0}, d.To)
}

func TestEvaluateUpshiftRequiresHeadroomAndHold(t *testing.T) {
	params := selector.DefaultParams()
	s := selector.New(params, logr.Discard())
	e := graph.NewEdge(1, 2, 10, 4, noopSend)
	layers := testLayers()

	now := time.Now()
	s.ReportBandwidth(e, 150_000, now)
	s.Evaluate(e, layers, now) // picks lowest layer, starts the hold timer

	// The EWMA needs several samples to climb toward the new bandwidth;
	// step it up over four one-second samples (two half-lives).
	sampleAt := now
	for i := 0; i < 4; i++ {
		sampleAt = sampleAt.Add(time.Second)
		s.ReportBandwidth(e, 5_000_000, sampleAt)
	}

	// Bandwidth has climbed enough to clear the top layer's threshold,
	// but the up-hold interval (5s) hasn't elapsed since the last switch.
	d := s.Evaluate(e, layers, sampleAt)
	assert.False(t, d.Switched)

	// After the up-hold interval, the upshift goes through.
	sampleAt = sampleAt.Add(1500 * time.Millisecond)
	s.ReportBandwidth(e, 5_000_000, sampleAt)
	d = s.Evaluate(e, layers, sampleAt)
	require.True(t, d.Switched)
	assert.Equal(t, types.LayerID{Spatial: 2, Temporal: 0}, d.To)
}

func TestEvaluateDownshiftImmediateOnInsufficientBandwidth(t *testing.T) {
	params := selector.DefaultParams()
	s := selector.New(params, logr.Discard())
	e := graph.NewEdge(1, 2, 10, 4, noopSend)
	layers := testLayers()

	now := time.Now()
	s.ReportBandwidth(e, 5_000_000, now)
	s.Evaluate(e, layers, now) // picks top layer

	// A large gap lets the EWMA settle close to the new low sample so the
	// drop clears the current layer's raw target and triggers an
	// immediate (non-held) downshift.
	later := now.Add(10 * time.Second)
	s.ReportBandwidth(e, 100_000, later)
	d := s.Evaluate(e, layers, later)
	require.True(t, d.Switched)
	assert.Equal(t, types.SwitchReasonBandwidth, d.Reason)
}

func TestEvaluateDownshiftHeldBriefDipsDoNotSwitch(t *testing.T) {
	params := selector.DefaultParams()
	s := selector.New(params, logr.Discard())
	e := graph.NewEdge(1, 2, 10, 4, noopSend)
	layers := testLayers()

	now := time.Now()
	s.ReportBandwidth(e, 5_000_000, now)
	s.Evaluate(e, layers, now) // top layer

	// Let the EWMA settle near 1.6M: that still covers the current
	// layer's raw target (1.5M), so the downshift isn't immediate, but it
	// no longer clears the top layer's safety margin (1.5M*1.15), so
	// desired drops below current and the inferior timer starts.
	dip := now.Add(20 * time.Second)
	s.ReportBandwidth(e, 1_600_000, dip)
	d := s.Evaluate(e, layers, dip)
	assert.False(t, d.Switched)

	after := dip.Add(params.DownHold + time.Second)
	s.ReportBandwidth(e, 1_600_000, after)
	d = s.Evaluate(e, layers, after)
	assert.True(t, d.Switched)
}

func TestApplyHintBypassesHysteresisForDownshift(t *testing.T) {
	s := selector.New(selector.DefaultParams(), logr.Discard())
	e := graph.NewEdge(1, 2, 10, 4, noopSend)
	layers := testLayers()

	now := time.Now()
	s.ReportBandwidth(e, 5_000_000, now)
	s.Evaluate(e, layers, now) // top layer

	d := s.ApplyHint(e, layers, types.LayerID{Spatial: 0, Temporal: 0}, now.Add(time.Millisecond))
	require.True(t, d.Switched)
	assert.Equal(t, types.SwitchReasonUserRequest, d.Reason)
	assert.Equal(t, types.LayerID{Spatial: 0, Temporal: 0}, e.SelectedLayer())
}

func TestApplyHintUpshiftDefersToEvaluate(t *testing.T) {
	params := selector.DefaultParams()
	s := selector.New(params, logr.Discard())
	e := graph.NewEdge(1, 2, 10, 4, noopSend)
	layers := testLayers()

	now := time.Now()
	s.ReportBandwidth(e, 150_000, now)
	s.Evaluate(e, layers, now) // lowest layer

	// Insufficient bandwidth for the hinted top layer: the hint defers to
	// Evaluate's bandwidth gate and does not switch.
	d := s.ApplyHint(e, layers, types.LayerID{Spatial: 2, Temporal: 0}, now.Add(params.EvalInterval*2))
	assert.False(t, d.Switched)
}

func TestOnSwitchCallback(t *testing.T) {
	s := selector.New(selector.DefaultParams(), logr.Discard())
	e := graph.NewEdge(1, 2, 10, 4, noopSend)

	var reasons []types.SwitchReason
	s.OnSwitch(func(r types.SwitchReason) { reasons = append(reasons, r) })

	now := time.Now()
	s.ReportBandwidth(e, 150_000, now)
	s.Evaluate(e, testLayers(), now)

	require.Len(t, reasons, 1)
}

func TestForgetDropsState(t *testing.T) {
	s := selector.New(selector.DefaultParams(), logr.Discard())
	e := graph.NewEdge(1, 2, 10, 4, noopSend)

	now := time.Now()
	s.ReportBandwidth(e, 150_000, now)
	s.Evaluate(e, testLayers(), now)

	assert.NotPanics(t, func() { s.Forget(e) })
}
