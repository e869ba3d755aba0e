package training

// meterEpsilon keeps Avg defined before the first update.
const meterEpsilon = 1e-20

// AverageMeter tracks the latest value of a metric and its sample-weighted
// running mean.
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// Reset clears all accumulated values.
func (m *AverageMeter) Reset() {
	m.Val = 0
	m.Sum = 0
	m.Count = 0
	m.Avg = 0
}

// Update records val as the mean over n samples.
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	m.Avg = m.Sum / (float64(m.Count) + meterEpsilon)
}
