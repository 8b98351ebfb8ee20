package trainer

import "github.com/lamim/rewardforge/internal/engine"

// PairwiseLoss returns -mean(logsigmoid(rj - rk)) over a batch of reward
// pairs, a 1x1 tensor wired for backprop. The loss is always non-negative
// and sits at ln 2 when both sides score identically.
func PairwiseLoss(rewardsJ, rewardsK *engine.Tensor) *engine.Tensor {
	return engine.Scale(engine.Mean(engine.LogSigmoid(engine.Sub(rewardsJ, rewardsK))), -1)
}

// Accuracy reports the fraction of pairs where the preferred answer scores
// at least as high as the dispreferred one. Ranking each row [rj, rk] by
// argmax against a zero label counts ties as correct.
func Accuracy(rewardsJ, rewardsK *engine.Tensor) float64 {
	if rewardsJ.Rows == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < rewardsJ.Rows; i++ {
		if rewardsJ.At(i, 0) >= rewardsK.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(rewardsJ.Rows)
}
