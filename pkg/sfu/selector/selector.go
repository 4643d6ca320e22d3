// Package selector implements the Layer Selector: a per-edge decision
// engine that consumes bandwidth estimates and quality feedback and
// emits layer changes, with hysteresis so steady-state traffic never
// oscillates.
//
// The decision loop and smoothed-estimate bookkeeping follow a
// bandwidth-driven allocator's shape, narrowed from one allocator
// judging every downtrack at once to one decision per edge, since each
// subscriber edge adapts independently here.
package selector

import (
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// Params holds the hysteresis constants, all tunable via pkg/config so
// they can be adjusted without a rebuild.
type Params struct {
	SafetyMargin float64       // 1.15
	LossMax      float64       // 0.05
	UpMultiplier float64       // 1.25
	UpHold       time.Duration // T_up, default 5s
	DownHold     time.Duration // T_down, default 1s
	EvalInterval time.Duration // minimum gap between evaluations, 200ms
	EWMAHalfLife time.Duration // 2s
}

// DefaultParams returns the package's default hysteresis constants.
func DefaultParams() Params {
	return Params{
		SafetyMargin: 1.15,
		LossMax:      0.05,
		UpMultiplier: 1.25,
		UpHold:       5 * time.Second,
		DownHold:     time.Second,
		EvalInterval: 200 * time.Millisecond,
		EWMAHalfLife: 2 * time.Second,
	}
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Switched bool
	From     types.LayerID
	To       types.LayerID
	Reason   types.SwitchReason
}

// edgeState is the selector's private bookkeeping for one edge, kept
// separate from graph.Edge since it's selector-internal (estimate
// smoothing state, inferiority timers) rather than part of the edge's
// public forwarding state.
type edgeState struct {
	lastEval       time.Time
	lastSampleTime time.Time
	smoothedBw     float64
	smoothedLoss   float64
	inferiorSince  time.Time
	haveSample     bool
}

// Selector evaluates layer decisions for a set of edges. One Selector
// serves the whole SFU; per-edge state is keyed by edge pointer identity
// since an Edge is never evaluated by more than one goroutine at a time
// for a given edge (the router serializes per-edge updates through the
// edge's owning feedback/eval call sites).
type Selector struct {
	params   Params
	logger   logr.Logger
	states   map[*graph.Edge]*edgeState
	onSwitch func(reason types.SwitchReason)
}

func New(params Params, logger logr.Logger) *Selector {
	return &Selector{
		params: params,
		logger: logger,
		states: make(map[*graph.Edge]*edgeState),
	}
}

// OnSwitch registers a callback invoked after every applied layer
// switch, for the Stats Collector to count switches by reason.
func (s *Selector) OnSwitch(fn func(reason types.SwitchReason)) {
	s.onSwitch = fn
}

func (s *Selector) notify(d Decision) Decision {
	if d.Switched && s.onSwitch != nil {
		s.onSwitch(d.Reason)
	}
	return d
}

func (s *Selector) stateFor(e *graph.Edge) *edgeState {
	st, ok := s.states[e]
	if !ok {
		st = &edgeState{}
		s.states[e] = st
	}
	return st
}

// Forget drops an edge's bookkeeping, called on edge teardown so the map
// doesn't grow unbounded across the SFU's lifetime.
func (s *Selector) Forget(e *graph.Edge) {
	delete(s.states, e)
}

// ReportBandwidth folds a fresh bandwidth sample into the edge's smoothed
// estimate B̂, an EWMA with the configured half-life. Called from the
// Feedback Processor on BandwidthEstimate messages.
func (s *Selector) ReportBandwidth(e *graph.Edge, bps float64, now time.Time) {
	st := s.stateFor(e)
	st.smoothedBw = ewma(st.smoothedBw, bps, st.lastSampleTime, now, s.params.EWMAHalfLife, st.haveSample)
	st.lastSampleTime = now
	st.haveSample = true
	e.SetBandwidthEstimate(st.smoothedBw)
}

// ReportLoss folds a fresh loss-rate sample into L̂.
func (s *Selector) ReportLoss(e *graph.Edge, lossFraction float64, now time.Time) {
	st := s.stateFor(e)
	st.smoothedLoss = ewma(st.smoothedLoss, lossFraction, st.lastSampleTime, now, s.params.EWMAHalfLife, st.haveSample)
	e.SetLossEstimate(st.smoothedLoss)
}

func ewma(prev, sample float64, lastSample, now time.Time, halfLife time.Duration, haveSample bool) float64 {
	if !haveSample || lastSample.IsZero() {
		return sample
	}
	dt := now.Sub(lastSample)
	if dt <= 0 {
		return prev
	}
	alpha := 1 - math.Pow(0.5, float64(dt)/float64(halfLife))
	return prev + alpha*(sample-prev)
}

// Evaluate runs the decision rule for one edge against the candidate
// layers of its published track, and applies the result to the edge
// (SetSelectedLayer + timestamp) if hysteresis allows a switch. It is a
// no-op, returning Decision{Switched:false}, if called again before
// params.EvalInterval has elapsed since the previous call.
//
// Evaluate runs when the router seeds a new edge and when ApplyHint gets
// an upshift hint; ReportBandwidth and ReportLoss update the estimates
// without evaluating. A switch changes only the edge's selected layer and
// fires OnSwitch: the edge state is left as it is, so no cached keyframe
// is replayed and no PLI is issued for the new layer.
func (s *Selector) Evaluate(e *graph.Edge, layers []*types.Layer, now time.Time) Decision {
	st := s.stateFor(e)
	if !st.lastEval.IsZero() && now.Sub(st.lastEval) < s.params.EvalInterval {
		return Decision{}
	}
	st.lastEval = now

	current := e.SelectedLayer()
	desired, reason := s.desiredLayer(layers, st.smoothedBw, st.smoothedLoss)

	if !current.IsValid() {
		// Initializing: take the desired layer outright, no hysteresis.
		if desired.IsValid() {
			e.SetSelectedLayer(desired)
			return s.notify(Decision{Switched: true, From: current, To: desired, Reason: reason})
		}
		return Decision{}
	}

	if desired == current {
		st.inferiorSince = time.Time{}
		return Decision{}
	}

	if desired.GreaterThan(current) {
		// Upshift: requires sustained headroom AND the up-hold interval.
		target := targetBitrate(layers, desired)
		if st.smoothedBw >= target*s.params.UpMultiplier && now.Sub(e.LastLayerChangeAt()) >= s.params.UpHold {
			e.SetSelectedLayer(desired)
			st.inferiorSince = time.Time{}
			return s.notify(Decision{Switched: true, From: current, To: desired, Reason: reason})
		}
		return Decision{}
	}

	// Downshift.
	currentTarget := targetBitrate(layers, current)
	immediate := st.smoothedBw < currentTarget || st.smoothedLoss > s.params.LossMax
	if immediate {
		e.SetSelectedLayer(desired)
		st.inferiorSince = time.Time{}
		return s.notify(Decision{Switched: true, From: current, To: desired, Reason: reason})
	}

	if st.inferiorSince.IsZero() {
		st.inferiorSince = now
		return Decision{}
	}
	if now.Sub(st.inferiorSince) >= s.params.DownHold {
		e.SetSelectedLayer(desired)
		st.inferiorSince = time.Time{}
		return s.notify(Decision{Switched: true, From: current, To: desired, Reason: reason})
	}
	return Decision{}
}

// ApplyHint handles an explicit LayerSwitchRequest from the subscriber.
// A hint below the current layer, or any hint while no layer is selected,
// is applied at once with reason UserRequest, bypassing hysteresis. A
// hint above the current layer runs Evaluate instead: the result is
// Evaluate's own bandwidth-driven choice and reason, not the hinted layer.
func (s *Selector) ApplyHint(e *graph.Edge, layers []*types.Layer, hint types.LayerID, now time.Time) Decision {
	current := e.SelectedLayer()
	if current.IsValid() && hint.GreaterThan(current) {
		// Upshift hint: defer to the normal bandwidth-gated path.
		return s.Evaluate(e, layers, now)
	}
	if hint == current {
		return Decision{}
	}
	e.SetSelectedLayer(hint)
	s.stateFor(e).inferiorSince = time.Time{}
	return s.notify(Decision{Switched: true, From: current, To: hint, Reason: types.SwitchReasonUserRequest})
}

// desiredLayer picks the highest layer whose target bitrate fits under
// B̂ with the configured safety margin, and whose loss is within budget.
// Layers are considered in descending bitrate order, highest quality
// first.
func (s *Selector) desiredLayer(layers []*types.Layer, bw, loss float64) (types.LayerID, types.SwitchReason) {
	if len(layers) == 0 {
		return types.LayerID{Spatial: 0, Temporal: 0}, types.SwitchReasonBandwidth
	}
	sorted := sortDescendingByBitrate(layers)
	reason := types.SwitchReasonBandwidth
	if loss > s.params.LossMax {
		reason = types.SwitchReasonQualityAdaptation
	}
	for _, l := range sorted {
		if !l.Active.Load() {
			continue
		}
		if float64(l.TargetBitrate)*s.params.SafetyMargin <= bw && loss <= s.params.LossMax {
			return l.ID, reason
		}
	}
	// Nothing fits: fall back to the lowest active layer so the
	// subscriber still gets something: forwarding never stops outright
	// for bandwidth reasons alone.
	lowest := sorted[len(sorted)-1]
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Active.Load() {
			lowest = sorted[i]
			break
		}
	}
	return lowest.ID, types.SwitchReasonErrorRecovery
}

func targetBitrate(layers []*types.Layer, id types.LayerID) float64 {
	for _, l := range layers {
		if l.ID == id {
			return float64(l.TargetBitrate)
		}
	}
	return 0
}

func sortDescendingByBitrate(layers []*types.Layer) []*types.Layer {
	out := make([]*types.Layer, len(layers))
	copy(out, layers)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].TargetBitrate > out[j-1].TargetBitrate; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
