package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type PeriodType string

const (
	PeriodMonth   PeriodType = "M"
	PeriodQuarter PeriodType = "Q"
	PeriodYear    PeriodType = "Y"
)

const DateLayout = "2006-01-02"

// EffectiveDate normalizes a source period ("2022", "2022M03", "2022-03",
// "2022Q2", "2022-Q2", "2022-03-15") to the first calendar day it covers.
func EffectiveDate(raw string) (string, PeriodType, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}

	if day, err := time.Parse(DateLayout, trimmed); err == nil {
		return day.Format(DateLayout), PeriodMonth, true
	}
	if year, month, ok := parseYearMonth(trimmed); ok {
		return fmt.Sprintf("%04d-%02d-01", year, month), PeriodMonth, true
	}
	if year, quarter, ok := parseYearQuarter(trimmed); ok {
		return fmt.Sprintf("%04d-%02d-01", year, (quarter-1)*3+1), PeriodQuarter, true
	}
	if year, ok := ParseYear(trimmed); ok {
		return fmt.Sprintf("%04d-01-01", year), PeriodYear, true
	}
	return "", "", false
}

// SortTime is the instant used to order observations: the effective date
// when present and parseable, the ingestion time otherwise.
func (o Observation) SortTime() time.Time {
	if o.EffectiveDate != "" {
		if day, err := time.Parse(DateLayout, o.EffectiveDate); err == nil {
			return day
		}
	}
	return o.UpdatedAt
}

func parseYearMonth(value string) (int, int, bool) {
	value = strings.ToUpper(strings.TrimSpace(value))
	if len(value) == 6 && isDigits(value) {
		year, _ := strconv.Atoi(value[:4])
		month, _ := strconv.Atoi(value[4:])
		if month >= 1 && month <= 12 {
			return year, month, true
		}
	}

	for _, separator := range []string{"-", "M"} {
		parts := strings.Split(value, separator)
		if len(parts) == 2 && len(parts[0]) == 4 && isDigits(parts[1]) && parts[1] != "" {
			year, errYear := strconv.Atoi(parts[0])
			month, errMonth := strconv.Atoi(parts[1])
			if errYear == nil && errMonth == nil && month >= 1 && month <= 12 {
				return year, month, true
			}
		}
	}
	return 0, 0, false
}

func parseYearQuarter(value string) (int, int, bool) {
	value = strings.ToUpper(strings.TrimSpace(value))
	for _, separator := range []string{"-Q", "Q"} {
		if !strings.Contains(value, separator) {
			continue
		}
		parts := strings.Split(value, separator)
		if len(parts) != 2 || len(parts[0]) != 4 {
			continue
		}
		year, errYear := strconv.Atoi(parts[0])
		quarter, errQuarter := strconv.Atoi(parts[1])
		if errYear == nil && errQuarter == nil && quarter >= 1 && quarter <= 4 {
			return year, quarter, true
		}
	}
	return 0, 0, false
}

func ParseYear(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if len(value) != 4 || !isDigits(value) {
		return 0, false
	}
	year, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return year, true
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
