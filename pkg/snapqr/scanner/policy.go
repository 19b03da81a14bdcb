package scanner

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects what happens to accepted results.
type Mode string

const (
	// ModeSingleShot pauses scanning after the first accepted result until
	// the caller asks to scan again.
	ModeSingleShot Mode = "single"

	// ModeAccumulateN keeps the newest Limit results.
	ModeAccumulateN Mode = "accumulate_n"

	// ModeAccumulate keeps every result; only the suppression window limits
	// repeats.
	ModeAccumulate Mode = "accumulate"
)

const (
	DefaultWindow = 3 * time.Second
	defaultLimit  = 5
)

// ParseMode converts a config value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSingleShot, "single_shot", "single-shot":
		return ModeSingleShot, nil
	case ModeAccumulateN, "accumulate-n":
		return ModeAccumulateN, nil
	case ModeAccumulate, "":
		return ModeAccumulate, nil
	}
	return "", fmt.Errorf("unknown scan mode %q", s)
}

// Policy configures result handling of a scan session.
type Policy struct {
	Mode   Mode
	Limit  int
	Window time.Duration
}

// DefaultPolicy accumulates results with a DefaultWindow suppression window.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeAccumulate, Window: DefaultWindow}
}

func (p Policy) withDefaults() Policy {
	if p.Mode == "" {
		p.Mode = ModeAccumulate
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.Mode == ModeAccumulateN && p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	return p
}

// capacity is the maximum number of results kept, 0 meaning unbounded.
func (p Policy) capacity() int {
	switch p.Mode {
	case ModeSingleShot:
		return 1
	case ModeAccumulateN:
		return p.Limit
	}
	return 0
}
