package annotation

// LabelPadding widens every annotation window on both sides so that the zeros
// added around a peak and slightly clipped peak borders still get labelled.
const LabelPadding = 5e-5

// LabelPeaks assigns each m/z value the index of the annotation window that
// contains it, or -1. Both mz and lipids must be sorted ascending (lipids by
// MinMZ).
func LabelPeaks(lipids []Lipid, mz []float64) []int {
	labels := make([]int, len(mz))
	for i := range labels {
		labels[i] = -1
	}

	l, i := 0, 0
	for l < len(lipids) && i < len(mz) {
		lo, hi := lipids[l].MinMZ-LabelPadding, lipids[l].MaxMZ+LabelPadding
		switch {
		case mz[i] < lo:
			i++
		case mz[i] > hi:
			l++
		default:
			labels[i] = l
			i++
		}
	}
	return labels
}

// LabelSum is the intensity summed over the peaks of one annotation.
type LabelSum struct {
	Label     int
	Intensity float64
}

// SumPerLabel sums intensities over consecutive peaks sharing a label.
// Unlabelled peaks are skipped.
func SumPerLabel(labels []int, intensity []float32) []LabelSum {
	var out []LabelSum
	for i, label := range labels {
		if label < 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Label == label {
			out[n-1].Intensity += float64(intensity[i])
			continue
		}
		out = append(out, LabelSum{Label: label, Intensity: float64(intensity[i])})
	}
	return out
}
