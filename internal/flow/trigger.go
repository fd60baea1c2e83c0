package flow

import (
	"strings"

	"github.com/whaleflow/whaleflow/internal/models"
)

// ShouldTrigger evaluates a start node's trigger predicate against inbound
// text. An unset trigger type matches everything.
func ShouldTrigger(data *models.StartData, text string) bool {
	triggerType := data.TriggerType
	if triggerType == "" {
		triggerType = models.TriggerAll
	}
	if triggerType == models.TriggerAll {
		return true
	}

	input := NormalizeText(text)
	for _, raw := range strings.Split(data.TriggerKeywords, ",") {
		keyword := NormalizeText(raw)
		if keyword == "" {
			continue
		}
		switch triggerType {
		case models.TriggerKeywordExact:
			if input == keyword {
				return true
			}
		case models.TriggerKeywordContains:
			if strings.Contains(input, keyword) {
				return true
			}
		}
	}
	return false
}
