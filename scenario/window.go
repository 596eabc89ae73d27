package scenario

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	WindowPeak     = "peak"
	WindowNight    = "night"
	WindowStandard = "standard"

	multiplierPeak     = 1.4
	multiplierNight    = 0.6
	multiplierStandard = 1.0
)

var (
	peakHours  = map[int]bool{8: true, 9: true, 10: true, 17: true, 18: true, 19: true, 20: true}
	nightHours = map[int]bool{22: true, 23: true, 0: true, 1: true, 2: true, 3: true, 4: true, 5: true}
)

// Window is a classified "HH:MM-HH:MM" time window.
type Window struct {
	Raw        string  `json:"raw"`
	Class      string  `json:"class"`
	Multiplier float64 `json:"multiplier"`
	Hours      []int   `json:"hours"`
}

func parseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidInput, s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour in %q", ErrInvalidInput, s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute in %q", ErrInvalidInput, s)
	}
	return hour, minute, nil
}

// ParseWindow classifies a window by the clock hours it touches. A window
// whose end is not after its start wraps past midnight. Any overlap with a
// peak hour makes it peak; otherwise any overlap with a night hour makes it
// night.
func ParseWindow(raw string) (Window, error) {
	start, end, ok := strings.Cut(raw, "-")
	if !ok {
		return Window{}, fmt.Errorf("%w: time window %q is not HH:MM-HH:MM", ErrInvalidInput, raw)
	}
	sh, sm, err := parseClock(start)
	if err != nil {
		return Window{}, err
	}
	eh, em, err := parseClock(end)
	if err != nil {
		return Window{}, err
	}

	startMin, endMin := sh*60+sm, eh*60+em
	if endMin <= startMin {
		endMin += 24 * 60
	}
	var hours []int
	for h := sh; h*60 < endMin; h++ {
		hours = append(hours, h%24)
	}

	w := Window{Raw: raw, Class: WindowStandard, Multiplier: multiplierStandard, Hours: hours}
	for _, h := range hours {
		if peakHours[h] {
			w.Class, w.Multiplier = WindowPeak, multiplierPeak
			return w, nil
		}
	}
	for _, h := range hours {
		if nightHours[h] {
			w.Class, w.Multiplier = WindowNight, multiplierNight
			return w, nil
		}
	}
	return w, nil
}
