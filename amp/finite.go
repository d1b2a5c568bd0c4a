package amp

import (
	"math"

	"github.com/x448/float16"
)

// AllFinite32 reports whether every value in the buffer is finite. It is the
// per-step signal the training loop feeds into TrainStepInfo.AllFinite.
func AllFinite32(vals []float32) bool {
	for _, v := range vals {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// AllFinite16 reports whether every half-precision value in the buffer is
// finite. Gradients held in fp16 overflow long before fp32 does, so the scan
// runs on the raw half-precision bits.
func AllFinite16(vals []float16.Float16) bool {
	for _, v := range vals {
		if v.IsNaN() || v.IsInf(0) {
			return false
		}
	}
	return true
}

// ScaleGradients32 multiplies every gradient by 1/scale in place, undoing
// the loss scale before the optimizer consumes the gradients. A scale of
// zero leaves the buffer untouched.
func ScaleGradients32(grads []float32, scale float64) {
	if scale == 0 {
		return
	}
	inv := float32(1.0 / scale)
	for i := range grads {
		grads[i] *= inv
	}
}
