// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluate

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// ClassStats holds per-class rates for a categorical target.
type ClassStats struct {
	Label     string
	Count     float64
	TPRate    float64
	FPRate    float64
	Precision float64
	Recall    float64
	FMeasure  float64

	// AUC is the area under the ROC curve for this class against the rest,
	// NaN when the class has no positive or no negative test records.
	AUC float64
}

// Stats summarizes an evaluation.
//
// Counts are weighted. Error measures cover classified predictions only.
type Stats struct {
	Nominal bool

	Count        float64
	Unclassified float64
	MissingClass float64

	// Categorical target only.
	Correct   float64
	Incorrect float64
	Kappa     float64
	Confusion [][]float64
	Classes   []ClassStats

	// WeightedAUC and WeightedFMeasure average over classes by class count.
	// WeightedAUC covers only classes whose AUC is defined; zero when none is.
	WeightedAUC      float64
	WeightedFMeasure float64

	MeanAbsoluteError        float64
	RootMeanSquaredError     float64
	RelativeAbsoluteError    float64
	RootRelativeSquaredError float64

	// Correlation is the weighted Pearson coefficient of actual against
	// predicted values. Numeric target only.
	Correlation float64
}

// PctCorrect returns the weighted percentage of correct predictions.
func (s Stats) PctCorrect() float64 {
	return pct(s.Correct, s.Count-s.MissingClass)
}

// PctIncorrect returns the weighted percentage of incorrect predictions.
func (s Stats) PctIncorrect() float64 {
	return pct(s.Incorrect, s.Count-s.MissingClass)
}

// PctUnclassified returns the weighted percentage of missing predictions.
func (s Stats) PctUnclassified() float64 {
	return pct(s.Unclassified, s.Count-s.MissingClass)
}

func pct(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return 100 * part / whole
}

// scored is what the accumulator keeps per prediction for rank statistics.
type scored struct {
	actual    float64
	predicted float64
	weight    float64
	dist      []float64
	prior     float64
}

// Accumulator collects evaluation statistics in one pass over predictions.
// Accumulators of the same target can be merged.
//
// Thread Safety: Not safe for concurrent use.
type Accumulator struct {
	nominal    bool
	numClasses int
	labels     []string

	// priors are Laplace-initialized class weights for a categorical
	// target; for a numeric target priorMean is the training mean or NaN.
	priors    []float64
	priorMean float64

	count, missingClass, unclassified float64
	correct, incorrect                float64
	sumAbsErr, sumSqrErr              float64
	sumPriorAbs, sumPriorSqr          float64

	confusion [][]float64
	scores    []scored
}

// NewAccumulator creates an accumulator for schema's target.
func NewAccumulator(schema *dataset.Schema) (*Accumulator, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: evaluation needs a schema", flowerr.ErrMissingData)
	}
	f, ok := schema.TargetField()
	if !ok {
		return nil, fmt.Errorf("%w: schema %q has no target", flowerr.ErrInvalidConfiguration, schema.Name())
	}
	a := &Accumulator{priorMean: math.NaN()}
	switch f.Type {
	case dataset.TypeCategorical:
		a.nominal = true
		a.numClasses = len(f.Labels)
		a.labels = slices.Clone(f.Labels)
		a.priors = make([]float64, a.numClasses)
		for i := range a.priors {
			a.priors[i] = 1
		}
		a.confusion = make([][]float64, a.numClasses)
		for i := range a.confusion {
			a.confusion[i] = make([]float64, a.numClasses)
		}
	case dataset.TypeNumeric:
	default:
		return nil, fmt.Errorf("%w: cannot evaluate a %s target", flowerr.ErrUnsupportedOperation, f.Type)
	}
	return a, nil
}

// SetPriors sets the baseline used by the relative error measures from
// the training data. Call before adding predictions.
func (a *Accumulator) SetPriors(train *dataset.Dataset) {
	if train.Len() == 0 {
		return
	}
	target, ok := train.Schema().Target()
	if !ok {
		return
	}
	if a.nominal {
		for i := range a.priors {
			a.priors[i] = 1
		}
		for _, r := range train.All() {
			if c := r.Value(target).Index(); c >= 0 && c < a.numClasses {
				a.priors[c] += r.Weight()
			}
		}
		return
	}
	var sum, weight float64
	for _, r := range train.All() {
		if v := r.Value(target); !v.IsMissing() {
			sum += v.Float() * r.Weight()
			weight += r.Weight()
		}
	}
	if weight > 0 {
		a.priorMean = sum / weight
	}
}

// Add records one prediction. For a categorical target an actual class
// outside the labels counts as a missing class and a predicted class
// outside them as unclassified.
func (a *Accumulator) Add(p Prediction) {
	a.count += p.Weight
	if math.IsNaN(p.Actual) || (a.nominal && !a.isClass(p.Actual)) {
		a.missingClass += p.Weight
		return
	}
	if p.Missing() || (a.nominal && !a.isClass(p.Predicted)) {
		a.unclassified += p.Weight
		return
	}

	if !a.nominal {
		a.scores = append(a.scores, scored{actual: p.Actual, predicted: p.Predicted, weight: p.Weight, prior: a.priorMean})
		diff := p.Predicted - p.Actual
		a.sumAbsErr += p.Weight * math.Abs(diff)
		a.sumSqrErr += p.Weight * diff * diff
		return
	}

	actual, predicted := int(p.Actual), int(p.Predicted)
	a.scores = append(a.scores, scored{actual: p.Actual, predicted: p.Predicted, weight: p.Weight, dist: slices.Clone(p.Distribution)})

	// Errors compare the distribution with the one-hot actual class.
	priorSum := floats.Sum(a.priors)
	var absErr, sqrErr, priorAbs, priorSqr float64
	for c := range a.numClasses {
		target := 0.0
		if c == actual {
			target = 1
		}
		prob := 0.0
		if c < len(p.Distribution) && !math.IsNaN(p.Distribution[c]) {
			prob = p.Distribution[c]
		}
		absErr += math.Abs(prob - target)
		sqrErr += (prob - target) * (prob - target)
		prior := a.priors[c]/priorSum - target
		priorAbs += math.Abs(prior)
		priorSqr += prior * prior
	}
	k := float64(a.numClasses)
	a.sumAbsErr += p.Weight * absErr / k
	a.sumSqrErr += p.Weight * sqrErr / k
	a.sumPriorAbs += p.Weight * priorAbs / k
	a.sumPriorSqr += p.Weight * priorSqr / k

	a.confusion[actual][predicted] += p.Weight
	if actual == predicted {
		a.correct += p.Weight
	} else {
		a.incorrect += p.Weight
	}
}

func (a *Accumulator) isClass(v float64) bool {
	return v >= 0 && v < float64(a.numClasses) && v == math.Trunc(v)
}

// Merge adds o's statistics into a.
func (a *Accumulator) Merge(o *Accumulator) error {
	if o == nil {
		return nil
	}
	if a.nominal != o.nominal || a.numClasses != o.numClasses {
		return fmt.Errorf("%w: cannot merge evaluations of different targets", flowerr.ErrInvalidConfiguration)
	}
	a.count += o.count
	a.missingClass += o.missingClass
	a.unclassified += o.unclassified
	a.correct += o.correct
	a.incorrect += o.incorrect
	a.sumAbsErr += o.sumAbsErr
	a.sumSqrErr += o.sumSqrErr
	a.sumPriorAbs += o.sumPriorAbs
	a.sumPriorSqr += o.sumPriorSqr
	for i := range a.confusion {
		floats.Add(a.confusion[i], o.confusion[i])
	}
	a.scores = append(a.scores, o.scores...)
	return nil
}

// Clone returns an independent copy.
func (a *Accumulator) Clone() *Accumulator {
	c := *a
	c.labels = slices.Clone(a.labels)
	c.priors = slices.Clone(a.priors)
	c.confusion = make([][]float64, len(a.confusion))
	for i, row := range a.confusion {
		c.confusion[i] = slices.Clone(row)
	}
	c.scores = slices.Clone(a.scores)
	return &c
}

// Stats computes the summary.
func (a *Accumulator) Stats() Stats {
	s := Stats{
		Nominal:      a.nominal,
		Count:        a.count,
		Unclassified: a.unclassified,
		MissingClass: a.missingClass,
		Correct:      a.correct,
		Incorrect:    a.incorrect,
	}

	classified := a.count - a.missingClass - a.unclassified
	if classified > 0 {
		s.MeanAbsoluteError = a.sumAbsErr / classified
		s.RootMeanSquaredError = math.Sqrt(a.sumSqrErr / classified)
	}

	priorAbs, priorSqr := a.sumPriorAbs, a.sumPriorSqr
	if !a.nominal {
		priorAbs, priorSqr = a.numericPriorErrors()
	}
	s.RelativeAbsoluteError = ratio(a.sumAbsErr, priorAbs)
	s.RootRelativeSquaredError = math.NaN()
	if priorSqr > 0 {
		s.RootRelativeSquaredError = 100 * math.Sqrt(a.sumSqrErr/priorSqr)
	}

	if !a.nominal {
		s.Correlation = a.correlation()
		return s
	}

	s.Confusion = make([][]float64, a.numClasses)
	for i, row := range a.confusion {
		s.Confusion[i] = slices.Clone(row)
	}
	s.Kappa = kappa(a.confusion)
	s.Classes = a.classStats()

	s.WeightedAUC, s.WeightedFMeasure = weightedByCount(s.Classes)
	return s
}

// weightedByCount averages AUC and F-measure over classes weighted by class
// count. Classes with an undefined AUC are left out of the AUC average and
// its normalizing count.
func weightedByCount(classes []ClassStats) (auc, fMeasure float64) {
	var total, aucTotal float64
	for _, c := range classes {
		total += c.Count
		if !math.IsNaN(c.AUC) {
			aucTotal += c.Count
		}
	}
	for _, c := range classes {
		if total > 0 {
			fMeasure += c.FMeasure * c.Count / total
		}
		if aucTotal > 0 && !math.IsNaN(c.AUC) {
			auc += c.AUC * c.Count / aucTotal
		}
	}
	return auc, fMeasure
}

// ratio returns 100*num/den, NaN when den is zero.
func ratio(num, den float64) float64 {
	if den == 0 {
		return math.NaN()
	}
	return 100 * num / den
}

// numericPriorErrors measures a constant predictor of the prior mean. A
// prediction added without training priors uses the test mean.
func (a *Accumulator) numericPriorErrors() (abs, sqr float64) {
	var sum, weight float64
	for _, sc := range a.scores {
		sum += sc.actual * sc.weight
		weight += sc.weight
	}
	testMean := math.NaN()
	if weight > 0 {
		testMean = sum / weight
	}
	for _, sc := range a.scores {
		prior := sc.prior
		if math.IsNaN(prior) {
			prior = testMean
		}
		d := prior - sc.actual
		abs += sc.weight * math.Abs(d)
		sqr += sc.weight * d * d
	}
	return abs, sqr
}

func (a *Accumulator) correlation() float64 {
	if len(a.scores) < 2 {
		return math.NaN()
	}
	x := make([]float64, len(a.scores))
	y := make([]float64, len(a.scores))
	w := make([]float64, len(a.scores))
	for i, sc := range a.scores {
		x[i], y[i], w[i] = sc.actual, sc.predicted, sc.weight
	}
	return stat.Correlation(x, y, w)
}

// kappa is Cohen's kappa of a confusion matrix.
func kappa(confusion [][]float64) float64 {
	n := len(confusion)
	rows := make([]float64, n)
	cols := make([]float64, n)
	var total, diag float64
	for i := range n {
		for j := range n {
			rows[i] += confusion[i][j]
			cols[j] += confusion[i][j]
			total += confusion[i][j]
		}
		diag += confusion[i][i]
	}
	if total == 0 {
		return 0
	}
	var chance float64
	for i := range n {
		chance += rows[i] * cols[i]
	}
	chance /= total * total
	observed := diag / total
	if chance >= 1 {
		return 1
	}
	return (observed - chance) / (1 - chance)
}

func (a *Accumulator) classStats() []ClassStats {
	out := make([]ClassStats, a.numClasses)
	for c := range a.numClasses {
		var tp, fn, fp, tn float64
		for i := range a.numClasses {
			for j := range a.numClasses {
				v := a.confusion[i][j]
				switch {
				case i == c && j == c:
					tp += v
				case i == c:
					fn += v
				case j == c:
					fp += v
				default:
					tn += v
				}
			}
		}
		cs := ClassStats{
			Label:     a.labels[c],
			Count:     tp + fn,
			TPRate:    safeDiv(tp, tp+fn),
			FPRate:    safeDiv(fp, fp+tn),
			Precision: safeDiv(tp, tp+fp),
			AUC:       a.auc(c),
		}
		cs.Recall = cs.TPRate
		cs.FMeasure = safeDiv(2*cs.Precision*cs.Recall, cs.Precision+cs.Recall)
		out[c] = cs
	}
	return out
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// auc computes the area under the ROC curve of class c against the rest.
// Predictions are ranked ascending by the probability of c; tied
// probabilities form a single ROC point, which credits ties by half.
func (a *Accumulator) auc(c int) float64 {
	n := len(a.scores)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	prob := func(i int) float64 {
		d := a.scores[i].dist
		if c < len(d) && !math.IsNaN(d[c]) {
			return d[c]
		}
		return 0
	}
	sort.SliceStable(idx, func(i, j int) bool { return prob(idx[i]) < prob(idx[j]) })

	y := make([]float64, n)
	classes := make([]bool, n)
	weights := make([]float64, n)
	var pos, neg float64
	for k, i := range idx {
		y[k] = prob(i)
		classes[k] = int(a.scores[i].actual) == c
		weights[k] = a.scores[i].weight
		if classes[k] {
			pos += weights[k]
		} else {
			neg += weights[k]
		}
	}
	if pos == 0 || neg == 0 {
		return math.NaN()
	}

	tpr, fpr, _ := stat.ROC(nil, y, classes, weights)
	return integrate.Trapezoidal(fpr, tpr)
}
