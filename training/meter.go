package training

// MovingAverageMeter smooths scalar values over a fixed window before they
// reach the metrics sink.
type MovingAverageMeter struct {
	data []float64
	pos  int
	n    int
}

// NewMovingAverageMeter builds a meter over the given window size.
func NewMovingAverageMeter(window int) *MovingAverageMeter {
	if window < 1 {
		window = 1
	}
	return &MovingAverageMeter{data: make([]float64, window)}
}

// Add records one value.
func (m *MovingAverageMeter) Add(v float64) {
	m.data[m.pos] = v
	m.pos++
	if m.pos >= len(m.data) {
		m.pos = 0
	}
	if m.n < len(m.data) {
		m.n++
	}
}

// Value is the mean of the recorded window, zero before any Add.
func (m *MovingAverageMeter) Value() float64 {
	if m.n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m.data[:m.n] {
		sum += v
	}
	return sum / float64(m.n)
}
