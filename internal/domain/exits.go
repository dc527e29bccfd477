package domain

// PartialTPLevel is one rung of the partial take-profit ladder: once the
// position's unrealized gain crosses GainPercent, ClosePercent of the
// original post-fill quantity is sold and the rung is consumed for good.
type PartialTPLevel struct {
	GainPercent  float64 // Unrealized gain that arms the rung
	ClosePercent float64 // Share of the original quantity to close
}

// TrailingParams configures the trailing stop-loss: it activates once gain
// exceeds ActivationPercent and then trails the highest observed price by
// CallbackRate, tightening monotonically.
type TrailingParams struct {
	Enabled           bool
	ActivationPercent float64
	CallbackRate      float64
}
