package perf

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Sample is one observed training execution on a device.
type Sample struct {
	Steps   int
	Seconds float64
}

// Model predicts the training duration on one device from the number of
// local optimizer steps, and carries the device's concurrent task capacity.
// Coefficients[i] multiplies steps^i.
type Model struct {
	Coefficients  []float64
	Capacity      int
	LowConfidence bool
}

// NewModel returns the pre-calibration model for a device: a constant
// polynomial predicting one second for any step count, capacity one, and
// the low confidence flag set.
func NewModel(degree int) *Model {
	coefficients := make([]float64, degree+1)
	coefficients[0] = 1.0

	return &Model{
		Coefficients:  coefficients,
		Capacity:      1,
		LowConfidence: true,
	}
}

// Predict evaluates the polynomial at the given step count.
func (m *Model) Predict(steps float64) float64 {
	prediction := 0.0
	power := 1.0
	for _, coefficient := range m.Coefficients {
		prediction += coefficient * power
		power *= steps
	}

	return prediction
}

// Fit replaces the coefficients with a least-squares polynomial fit of the
// given degree over the samples. Capacity is left untouched. The low
// confidence flag is set when there are fewer samples than coefficients;
// the fit is then underdetermined and yields the minimum-norm solution.
func (m *Model) Fit(samples []Sample, degree int) error {
	if degree < 0 {
		return errors.Errorf("polynomial degree must be non-negative, got %d", degree)
	}
	if len(samples) == 0 {
		return errors.Wrap(ErrInvalidSample, "no samples to fit")
	}

	numCoefficients := degree + 1
	x := mat.NewDense(len(samples), numCoefficients, nil)
	y := mat.NewVecDense(len(samples), nil)
	for i, sample := range samples {
		power := 1.0
		for j := 0; j < numCoefficients; j++ {
			x.Set(i, j, power)
			power *= float64(sample.Steps)
		}
		y.SetVec(i, sample.Seconds)
	}

	var coefficients mat.VecDense
	if err := coefficients.SolveVec(x, y); err != nil {
		// near-singular systems still produce a usable solution
		if _, nearSingular := err.(mat.Condition); !nearSingular {
			return errors.Wrap(err, "solving least squares")
		}
	}

	m.Coefficients = make([]float64, numCoefficients)
	for j := 0; j < numCoefficients; j++ {
		m.Coefficients[j] = coefficients.AtVec(j)
	}
	m.LowConfidence = len(samples) < numCoefficients

	return nil
}
