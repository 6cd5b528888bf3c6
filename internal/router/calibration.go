package router

// Calibration maps raw route scores to empirically observed accuracies via
// fixed-width bins, learned offline from labeled decisions. With too little
// support it is the identity, so it can only ever be a soft signal.

const (
	calibrationBins       = 10
	calibrationMinSupport = 8
	calibrationMinBin     = 3
)

type calibBin struct {
	Total   int `json:"total"`
	Correct int `json:"correct"`
}

// RouteCalibration holds one route's bins.
type RouteCalibration struct {
	Bins [calibrationBins]calibBin `json:"bins"`
}

// Calibration is the per-route table.
type Calibration struct {
	Routes map[string]*RouteCalibration `json:"routes"`
}

func NewCalibration() *Calibration {
	return &Calibration{Routes: make(map[string]*RouteCalibration)}
}

func binOf(score float64) int {
	if score < 0 {
		score = 0
	}
	if score >= 1 {
		return calibrationBins - 1
	}
	return int(score * calibrationBins)
}

// Observe records one labeled outcome for a route at a given raw score.
func (c *Calibration) Observe(route string, score float64, correct bool) {
	rc, ok := c.Routes[route]
	if !ok {
		rc = &RouteCalibration{}
		c.Routes[route] = rc
	}
	b := &rc.Bins[binOf(score)]
	b.Total++
	if correct {
		b.Correct++
	}
}

// Calibrate returns the empirical accuracy of the score's bin when the
// route has enough labeled support, else the score unchanged.
func (c *Calibration) Calibrate(route string, score float64) float64 {
	rc, ok := c.Routes[route]
	if !ok {
		return score
	}
	support := 0
	for _, b := range rc.Bins {
		support += b.Total
	}
	if support < calibrationMinSupport {
		return score
	}
	b := rc.Bins[binOf(score)]
	if b.Total < calibrationMinBin {
		return score
	}
	return float64(b.Correct) / float64(b.Total)
}
