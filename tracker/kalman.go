package tracker

import (
	"github.com/occultashield/shield-api/detection"
	"gonum.org/v1/gonum/mat"
)

const (
	stateDim = 8
	measDim  = 4

	// Coasting tracks shed velocity so a lost box drifts to a halt instead
	// of flying off screen.
	velocityAttenuation = 0.95
)

var (
	transition  = buildTransition()
	observation = buildObservation()
	procNoise   = buildDiag(stateDim, []float64{1, 1, 1, 1, 0.01, 0.01, 0.01, 0.01})
	measNoise   = buildDiag(measDim, []float64{1, 1, 1, 1})
)

func buildTransition() *mat.Dense {
	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1)
	}
	for i := 0; i < measDim; i++ {
		f.Set(i, i+measDim, 1)
	}
	return f
}

func buildObservation() *mat.Dense {
	h := mat.NewDense(measDim, stateDim, nil)
	for i := 0; i < measDim; i++ {
		h.Set(i, i, 1)
	}
	return h
}

func buildDiag(n int, values []float64) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, values[i])
	}
	return d
}

// kalmanFilter estimates a box trajectory with state
// [x1, y1, x2, y2, vx1, vy1, vx2, vy2] and constant-velocity dynamics.
type kalmanFilter struct {
	x *mat.VecDense
	p *mat.Dense
}

func newKalmanFilter(b detection.BoundingBox) *kalmanFilter {
	x := mat.NewVecDense(stateDim, nil)
	x.SetVec(0, b.X1)
	x.SetVec(1, b.Y1)
	x.SetVec(2, b.X2)
	x.SetVec(3, b.Y2)

	// Positions start well observed, velocities unknown.
	p := buildDiag(stateDim, []float64{10, 10, 10, 10, 1000, 1000, 1000, 1000})
	return &kalmanFilter{x: x, p: p}
}

// predict advances the state one frame. attenuate damps the velocity
// components, applied once the track has been seen before.
func (k *kalmanFilter) predict(attenuate bool) {
	if attenuate {
		for i := measDim; i < stateDim; i++ {
			k.x.SetVec(i, k.x.AtVec(i)*velocityAttenuation)
		}
	}

	var nx mat.VecDense
	nx.MulVec(transition, k.x)
	k.x.CopyVec(&nx)

	var fp, fpft mat.Dense
	fp.Mul(transition, k.p)
	fpft.Mul(&fp, transition.T())
	fpft.Add(&fpft, procNoise)
	k.p.Copy(&fpft)
}

// update corrects the state with a measured box.
func (k *kalmanFilter) update(b detection.BoundingBox) {
	z := mat.NewVecDense(measDim, []float64{b.X1, b.Y1, b.X2, b.Y2})

	var hx mat.VecDense
	hx.MulVec(observation, k.x)
	var innov mat.VecDense
	innov.SubVec(z, &hx)

	var hp, s mat.Dense
	hp.Mul(observation, k.p)
	s.Mul(&hp, observation.T())
	s.Add(&s, measNoise)

	var pht mat.Dense
	pht.Mul(k.p, observation.T())

	// K = P Hᵀ S⁻¹, computed by solving S Xᵀ = (P Hᵀ)ᵀ.
	var kt mat.Dense
	if err := kt.Solve(&s, pht.T()); err != nil {
		// Singular innovation covariance: skip the correction, keep the
		// prediction.
		return
	}
	gain := kt.T()

	var corr mat.VecDense
	corr.MulVec(gain, &innov)
	k.x.AddVec(k.x, &corr)

	var kh, khp mat.Dense
	kh.Mul(gain, observation)
	khp.Mul(&kh, k.p)
	k.p.Sub(k.p, &khp)
}

// currentBox reads the positional part of the state.
func (k *kalmanFilter) currentBox() detection.BoundingBox {
	return detection.BoundingBox{
		X1: k.x.AtVec(0),
		Y1: k.x.AtVec(1),
		X2: k.x.AtVec(2),
		Y2: k.x.AtVec(3),
	}
}
