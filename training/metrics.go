package training

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ConfusionMatrix counts predictions per true class.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one prediction per label.
func (cm *ConfusionMatrix) Update(yTrue, yPred []int) error {
	if len(yTrue) != len(yPred) {
		return errors.Errorf("labels length mismatch: %d labels, %d predictions", len(yTrue), len(yPred))
	}
	for i := range yTrue {
		t, p := yTrue[i], yPred[i]
		if t < 0 || t >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return errors.Errorf("sample %d: class out of range (true=%d, predicted=%d, classes=%d)", i, t, p, cm.NumClasses)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return nil
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassStats returns precision, recall, F1 and support for one class. Ratios
// with a zero denominator are 0.
func (cm *ConfusionMatrix) ClassStats(class int) (precision, recall, f1 float64, support int) {
	tp := float64(cm.Matrix[class][class])
	var fp, fn float64
	for other := 0; other < cm.NumClasses; other++ {
		if other == class {
			continue
		}
		fp += float64(cm.Matrix[other][class])
		fn += float64(cm.Matrix[class][other])
		support += cm.Matrix[class][other]
	}
	support += cm.Matrix[class][class]

	if tp+fp > 0 {
		precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		recall = tp / (tp + fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return precision, recall, f1, support
}

// present reports whether class occurs as a label or a prediction.
func (cm *ConfusionMatrix) present(class int) bool {
	for other := 0; other < cm.NumClasses; other++ {
		if cm.Matrix[class][other] > 0 || cm.Matrix[other][class] > 0 {
			return true
		}
	}
	return false
}

// MacroF1 is the unweighted mean of per-class F1 over the classes that occur
// in the labels or predictions.
func (cm *ConfusionMatrix) MacroF1() float64 {
	var sum float64
	n := 0
	for c := 0; c < cm.NumClasses; c++ {
		if !cm.present(c) {
			continue
		}
		_, _, f1, _ := cm.ClassStats(c)
		sum += f1
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// WeightedF1 is the mean of per-class F1 weighted by support.
func (cm *ConfusionMatrix) WeightedF1() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		_, _, f1, support := cm.ClassStats(c)
		sum += f1 * float64(support)
	}
	return sum / float64(cm.TotalSamples)
}

// ClassReport is one row of a classification report.
type ClassReport struct {
	Name      string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Metrics summarizes a labelled prediction run.
type Metrics struct {
	Accuracy   float64
	MacroF1    float64
	WeightedF1 float64
	Report     []ClassReport
	Samples    int
}

// ComputeMetrics scores predictions against labels. names labels the report
// rows; missing names fall back to the class index.
func ComputeMetrics(yTrue, yPred []int, numClasses int, names []string) (Metrics, error) {
	if numClasses <= 0 {
		return Metrics{}, errors.Errorf("number of classes must be positive, got %d", numClasses)
	}
	cm := NewConfusionMatrix(numClasses)
	if err := cm.Update(yTrue, yPred); err != nil {
		return Metrics{}, err
	}
	m := Metrics{
		Accuracy:   cm.GetAccuracy(),
		MacroF1:    cm.MacroF1(),
		WeightedF1: cm.WeightedF1(),
		Samples:    cm.TotalSamples,
		Report:     make([]ClassReport, numClasses),
	}
	for c := 0; c < numClasses; c++ {
		name := fmt.Sprint(c)
		if c < len(names) && names[c] != "" {
			name = names[c]
		}
		p, r, f1, s := cm.ClassStats(c)
		m.Report[c] = ClassReport{Name: name, Precision: p, Recall: r, F1: f1, Support: s}
	}
	return m, nil
}

// String renders the report as a table.
func (m Metrics) String() string {
	width := len("weighted f1")
	for _, r := range m.Report {
		if len(r.Name) > width {
			width = len(r.Name)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	for _, r := range m.Report {
		fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, r.Name, r.Precision, r.Recall, r.F1, r.Support)
	}
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "%*s %9s %9s %9.2f %9d\n", width, "accuracy", "", "", m.Accuracy, m.Samples)
	fmt.Fprintf(&b, "%*s %9s %9s %9.2f %9d\n", width, "macro f1", "", "", m.MacroF1, m.Samples)
	fmt.Fprintf(&b, "%*s %9s %9s %9.2f %9d\n", width, "weighted f1", "", "", m.WeightedF1, m.Samples)
	return b.String()
}
