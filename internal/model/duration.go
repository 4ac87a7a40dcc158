package model

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

var isoUnits = [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}

// ParseISODuration parses the day and time part of an ISO 8601 duration,
// e.g. P7D, PT30S or P1DT2H. Years, months and weeks are not supported.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}

	var total time.Duration
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		d, err := scale(part, isoUnits[i])
		if err != nil {
			return 0, err
		}
		if total > math.MaxInt64-d {
			return 0, ErrISOFormat
		}
		total += d
	}
	return total, nil
}

func scale(part string, unit time.Duration) (time.Duration, error) {
	whole, frac, _ := strings.Cut(strings.Replace(part, ",", ".", 1), ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || n > int64(math.MaxInt64/unit) {
		return 0, ErrISOFormat
	}
	d := time.Duration(n) * unit
	if frac != "" {
		f, err := strconv.ParseFloat("0."+frac, 64)
		if err != nil {
			return 0, ErrISOFormat
		}
		d += time.Duration(f * float64(unit))
	}
	return d, nil
}
