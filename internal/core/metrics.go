package core

import (
	"fmt"
	"math"
	"time"

	"medical-translator/pkg"
)

const noMetric = "-"

// CalculateMetrics derives display metrics from messages in creation order.
// Fewer than two messages, or a missing first or last timestamp, leave the
// duration and gap as "-".
func CalculateMetrics(messages []pkg.Message) pkg.ConversationMetrics {
	m := pkg.ConversationMetrics{
		TotalMessages:              len(messages),
		ChatDuration:               noMetric,
		AverageTimeBetweenMessages: noMetric,
	}
	if len(messages) < 2 {
		return m
	}
	first := messages[0].CreatedAt
	last := messages[len(messages)-1].CreatedAt
	if first.IsZero() || last.IsZero() {
		return m
	}

	d := last.Sub(first)
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	m.ChatDuration = fmt.Sprintf("%dm %ds", total/60, total%60)
	avg := math.Round(float64(total) / float64(len(messages)-1))
	m.AverageTimeBetweenMessages = fmt.Sprintf("%ds", int64(avg))
	return m
}
