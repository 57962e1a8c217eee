package model

import (
	"fmt"
	"strings"
)

// Grade is a value from the fixed grading scale.
type Grade string

const (
	Grade1      Grade = "1"
	Grade2      Grade = "2"
	Grade3      Grade = "3"
	Grade4      Grade = "4"
	Grade5      Grade = "5"
	Grade6      Grade = "6"
	Grade7      Grade = "7"
	Grade8      Grade = "8"
	Grade8_5    Grade = "8.5"
	Grade9      Grade = "9"
	Grade9_5    Grade = "9.5"
	Grade10     Grade = "10"
	Grade10Plus Grade = "10+"
)

// GradeScale is ordered from lowest to highest.
var GradeScale = []Grade{
	Grade1, Grade2, Grade3, Grade4, Grade5, Grade6, Grade7,
	Grade8, Grade8_5, Grade9, Grade9_5, Grade10, Grade10Plus,
}

var gradeValues = map[Grade]float64{
	Grade1:      1,
	Grade2:      2,
	Grade3:      3,
	Grade4:      4,
	Grade5:      5,
	Grade6:      6,
	Grade7:      7,
	Grade8:      8,
	Grade8_5:    8.5,
	Grade9:      9,
	Grade9_5:    9.5,
	Grade10:     10,
	Grade10Plus: 10.5,
}

// MaxSubScore is the upper bound for centering, surfaces, edges and corners.
const MaxSubScore = 10.5

func (g Grade) Valid() bool {
	_, ok := gradeValues[g]
	return ok
}

// Value returns the numeric position of g on the scale; 10+ counts as 10.5.
func (g Grade) Value() float64 {
	return gradeValues[g]
}

func ParseGrade(v string) (Grade, error) {
	v = strings.TrimSpace(v)
	if strings.HasSuffix(v, ".0") {
		v = strings.TrimSuffix(v, ".0")
	}
	g := Grade(v)
	if !g.Valid() {
		return "", fmt.Errorf("grade %q is not on the scale", v)
	}
	return g, nil
}

// GradeAtMost returns the highest scale grade whose value does not exceed v.
// Values below the scale floor return the lowest grade.
func GradeAtMost(v float64) Grade {
	best := GradeScale[0]
	for _, g := range GradeScale {
		if gradeValues[g] <= v {
			best = g
		}
	}
	return best
}
