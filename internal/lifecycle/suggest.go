package lifecycle

import (
	"math"

	"card-grading-service/internal/model"
)

// Suggestion is advisory only; the grader still picks the final grade.
type Suggestion struct {
	Mean  float64     `json:"mean"`
	Grade model.Grade `json:"grade"`
}

// SuggestGrade averages the four sub-scores and maps the mean to the highest
// scale grade not above it.
func SuggestGrade(centering, surfaces, edges, corners float64) Suggestion {
	mean := (centering + surfaces + edges + corners) / 4
	mean = math.Round(mean*100) / 100
	return Suggestion{Mean: mean, Grade: model.GradeAtMost(mean)}
}
