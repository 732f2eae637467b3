package immunity

// Aggregate folds per-vector results into an ImmunityReport.
//
// results must already be restricted to enabled vectors and weights must
// hold the effective weight of each. The score is the weighted average of
// confidence over passing vectors, normalized by the total weight of
// vectors that did not fail open:
//
//	score = Σ(w·conf·passed) / Σw
//
// The verdict fails on any critical violation or when score < threshold.
// Aggregate is pure: identical inputs yield identical reports.
func Aggregate(stepID string, results []VectorResult, weights map[string]float64, threshold float64) (*ImmunityReport, error) {
	report := &ImmunityReport{
		StepID:    stepID,
		Results:   make([]VectorResult, 0, len(results)),
		Threshold: threshold,
	}

	seen := make(map[string]bool, len(results))
	for _, res := range results {
		if _, ok := weights[res.VectorID]; !ok {
			return nil, &RegistryError{VectorID: res.VectorID, Err: ErrOrphanedResult}
		}
		if seen[res.VectorID] {
			return nil, &RegistryError{VectorID: res.VectorID, Err: ErrDuplicateResult}
		}
		seen[res.VectorID] = true

		if res.HasCritical() {
			res.Passed = false
		}
		report.Results = append(report.Results, res)
	}

	if len(report.Results) == 0 {
		report.Score = 1.0
		report.Verdict = VerdictPass
		report.Diagnostics.EmptyRegistry = true
		return report, nil
	}

	var num, denom float64
	scoring := 0
	for _, res := range report.Results {
		if res.FailedOpen {
			report.Diagnostics.Crashed = append(report.Diagnostics.Crashed, res.VectorID)
			continue
		}
		scoring++
		w := weights[res.VectorID]
		denom += w
		if res.Passed {
			num += w * res.Confidence
		}
		if res.HasCritical() {
			report.Diagnostics.Critical = append(report.Diagnostics.Critical, res.VectorID)
		}
		if res.Confidence < threshold {
			report.LowConfidence = append(report.LowConfidence, res.VectorID)
		}
	}

	switch {
	case scoring == 0:
		// Every vector crashed: no evidence is not a pass.
		report.Score = 0
		report.Verdict = VerdictFail
		return report, nil
	case denom == 0:
		report.Score = 0
		report.Verdict = VerdictFail
		report.Diagnostics.ZeroWeight = true
		return report, nil
	}

	report.Score = num / denom
	report.Verdict = VerdictPass
	if len(report.Diagnostics.Critical) > 0 || report.Score < threshold {
		report.Verdict = VerdictFail
	}
	return report, nil
}
