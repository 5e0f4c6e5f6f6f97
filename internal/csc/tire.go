package csc

import (
	"fmt"
	"strconv"
	"strings"
)

// TireSize is a wheel circumference, either a named standard size or a custom value.
type TireSize struct {
	Label           string
	CircumferenceMM int
}

// Standard 700C road tire sizes (ISO 23-622, 25-622, 28-622).
var (
	Tire700x23 = TireSize{Label: "700x23", CircumferenceMM: 2097}
	Tire700x25 = TireSize{Label: "700x25", CircumferenceMM: 2105}
	Tire700x28 = TireSize{Label: "700x28", CircumferenceMM: 2136}
)

// DefaultTireSize is used until the rider picks one.
var DefaultTireSize = Tire700x25

// StandardTireSizes lists the presets in display order.
func StandardTireSizes() []TireSize {
	return []TireSize{Tire700x23, Tire700x25, Tire700x28}
}

// maxCustomDigits bounds custom circumferences to four digits (< 10 m).
const maxCustomDigits = 4

// TireSizeFromCircumference returns the preset with that circumference, or a custom size.
func TireSizeFromCircumference(mm int) TireSize {
	for _, s := range StandardTireSizes() {
		if s.CircumferenceMM == mm {
			return s
		}
	}
	return TireSize{Label: strconv.Itoa(mm), CircumferenceMM: mm}
}

// ParseTireSize accepts a preset label ("700x25") or a circumference in millimeters ("2105").
func ParseTireSize(s string) (TireSize, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, std := range StandardTireSizes() {
		if s == std.Label {
			return std, nil
		}
	}
	if s == "" || len(s) > maxCustomDigits {
		return TireSize{}, fmt.Errorf("invalid tire size %q: expected one of %s or 1-%d digit circumference in mm",
			s, presetLabels(), maxCustomDigits)
	}
	mm, err := strconv.Atoi(s)
	if err != nil || mm <= 0 {
		return TireSize{}, fmt.Errorf("invalid tire size %q: expected one of %s or 1-%d digit circumference in mm",
			s, presetLabels(), maxCustomDigits)
	}
	return TireSizeFromCircumference(mm), nil
}

// IsCustom reports whether the size is not one of the presets.
func (t TireSize) IsCustom() bool {
	for _, s := range StandardTireSizes() {
		if s == t {
			return false
		}
	}
	return true
}

func (t TireSize) String() string {
	if t.IsCustom() {
		return fmt.Sprintf("%d mm", t.CircumferenceMM)
	}
	return fmt.Sprintf("%s (%d mm)", t.Label, t.CircumferenceMM)
}

func presetLabels() string {
	labels := make([]string, 0, 3)
	for _, s := range StandardTireSizes() {
		labels = append(labels, s.Label)
	}
	return strings.Join(labels, ", ")
}
