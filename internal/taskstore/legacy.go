package taskstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// LegacyTaskName is the name given to a task imported from a standalone
// schedule document
const LegacyTaskName = "Legacy schedule"

type legacyDocument struct {
	domain.ScheduleWire
	Enabled bool `json:"enabled"`
}

// DecodeLegacySchedule parses a single pre-task schedule document.
// The document's enabled flag becomes the task's enabled flag.
func DecodeLegacySchedule(data []byte) (domain.ScheduleConfig, bool, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return domain.ScheduleConfig{}, false, fmt.Errorf("empty legacy schedule")
	}
	var doc legacyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.ScheduleConfig{}, false, fmt.Errorf("decoding legacy schedule: %w", err)
	}
	return NormalizeSchedule(doc.ScheduleWire), doc.Enabled, nil
}
