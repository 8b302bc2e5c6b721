package anomaly

import (
	"math"
	"math/rand/v2"
)

// SyntheticSamples generates n feature rows resembling routine retail
// activity: log-normal amounts around 80, daytime hours, a few transfers
// per hour and accounts older than a month. Rows follow
// domain.NumericFeatureNames.
func SyntheticSamples(n int, seed uint64) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	rows := make([][]float64, n)
	for i := range rows {
		amount := math.Round(math.Exp(4.4+0.9*rng.NormFloat64())*100) / 100
		hour := 8 + rng.IntN(14)
		hourly := 1 + rng.IntN(3)
		daily := hourly + rng.IntN(8)
		age := 30 + rng.Float64()*1500
		rows[i] = []float64{
			amount,
			math.Log1p(amount),
			float64(hour),
			float64(hourly),
			float64(daily),
			age,
		}
	}
	return rows
}
