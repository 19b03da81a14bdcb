package snapqr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// Action is a controller operation that a button, tray item or API call
// can trigger by name.
type Action string

const (
	ActionCamera    Action = "camera"
	ActionCapture   Action = "capture"
	ActionRetake    Action = "retake"
	ActionSave      Action = "save"
	ActionToggle    Action = "toggle"
	ActionScan      Action = "scan"
	ActionScanAgain Action = "scan_again"
	ActionCopy      Action = "copy"
	ActionOpen      Action = "open"
	ActionRetry     Action = "retry"
	ActionBack      Action = "back"
)

var knownActions = []string{
	string(ActionCamera), string(ActionCapture), string(ActionRetake), string(ActionSave),
	string(ActionToggle), string(ActionScan), string(ActionScanAgain), string(ActionCopy),
	string(ActionOpen), string(ActionRetry), string(ActionBack),
}

// ParseAction converts a config or request value into an Action.
func ParseAction(s string) (Action, error) {
	s = normalizeAction(s)
	if !funk.ContainsString(knownActions, s) {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return Action(s), nil
}

func normalizeAction(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type buttonMap struct {
	m    map[int][]Action
	lock sync.RWMutex
}

func newButtonMap() *buttonMap {
	return &buttonMap{
		m: make(map[int][]Action),
	}
}

// buttonMapFromConfig builds a map from button indices to action lists,
// skipping bad indices, unknown actions and repeats.
func buttonMapFromConfig(logger *zap.SugaredLogger, mapping map[string][]string) *buttonMap {
	result := newButtonMap()

	for buttonIdxString, actions := range mapping {
		buttonIdx, err := strconv.Atoi(buttonIdxString)
		if err != nil || buttonIdx < 0 {
			logger.Warnw("Ignoring invalid button index", "button", buttonIdxString)
			continue
		}

		valid := funk.FilterString(actions, func(s string) bool {
			if _, err := ParseAction(s); err != nil {
				logger.Warnw("Ignoring unknown button action", "button", buttonIdx, "action", s)
				return false
			}
			return true
		})

		normalized := funk.Map(valid, normalizeAction).([]string)

		parsed := make([]Action, 0, len(normalized))
		for _, s := range funk.UniqString(normalized) {
			parsed = append(parsed, Action(s))
		}

		if len(parsed) > 0 {
			result.set(buttonIdx, parsed)
		}
	}

	return result
}

// iterate runs f on each button in index order.
func (m *buttonMap) iterate(f func(int, []Action)) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	keys := make([]int, 0, len(m.m))
	for key := range m.m {
		keys = append(keys, key)
	}
	sort.Ints(keys)

	for _, key := range keys {
		f(key, m.m[key])
	}
}

func (m *buttonMap) get(key int) ([]Action, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	value, ok := m.m[key]
	return value, ok
}

func (m *buttonMap) set(key int, value []Action) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.m[key] = value
}

func (m *buttonMap) String() string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	actionCount := 0
	for _, actions := range m.m {
		actionCount += len(actions)
	}

	return fmt.Sprintf("<%d buttons mapped to %d actions>", len(m.m), actionCount)
}
