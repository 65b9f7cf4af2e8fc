package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/vigil/internal/lexical"
)

func buildSummary(s *Session, reason TerminationReason, endedAt time.Time) Summary {
	status := StatusEnded
	if reason == ReasonError {
		status = StatusError
	}
	duration := endedAt.Sub(s.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	var categories []string
	seen := make(map[string]bool)
	for _, ev := range s.EmergencyEvents {
		c := string(ev.Category)
		if c != "" && !seen[c] {
			seen[c] = true
			categories = append(categories, c)
		}
	}

	tone := dominantTone(s.Transcriptions)
	sum := Summary{
		SessionID:         s.ID,
		UserID:            s.UserID,
		Status:            status,
		TerminationReason: reason,
		StartedAt:         s.StartedAt,
		EndedAt:           endedAt,
		DurationMS:        duration,
		TranscriptCount:   len(s.Transcriptions),
		EmergencyCount:    len(s.EmergencyEvents),
		Categories:        categories,
		DominantTone:      tone,
		Metrics:           s.Metrics,
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d transcript segments over %s", len(s.Transcriptions), (time.Duration(duration) * time.Millisecond).Round(time.Second))
	if len(categories) == 0 {
		b.WriteString("; no emergencies detected")
	} else {
		fmt.Fprintf(&b, "; %d emergencies detected (%s)", len(s.EmergencyEvents), strings.Join(categories, ", "))
	}
	fmt.Fprintf(&b, "; dominant tone %s", tone)
	sum.ConversationSummary = b.String()

	sum.ActionItems = []string{}
	for _, ev := range s.EmergencyEvents {
		sum.ActionItems = append(sum.ActionItems, fmt.Sprintf("Follow up on %s emergency (%s)", ev.Category, ev.UrgencyLevel))
	}
	if len(s.Transcriptions) > 0 {
		sum.ActionItems = append(sum.ActionItems, "Review transcript")
	}
	return sum
}

// dominantTone is the most frequent tone; ties go to the tone seen first.
func dominantTone(ts []Transcription) lexical.Tone {
	counts := make(map[lexical.Tone]int)
	var order []lexical.Tone
	for _, t := range ts {
		if t.EmotionalTone == "" {
			continue
		}
		if counts[t.EmotionalTone] == 0 {
			order = append(order, t.EmotionalTone)
		}
		counts[t.EmotionalTone]++
	}
	best := lexical.ToneCalm
	bestCount := 0
	for _, tone := range order {
		if counts[tone] > bestCount {
			best, bestCount = tone, counts[tone]
		}
	}
	return best
}
