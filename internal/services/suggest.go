package services

import (
	"github.com/natindo/PrayerVigil/internal/interval"
	"github.com/natindo/PrayerVigil/internal/models"
	"github.com/natindo/PrayerVigil/internal/prayer"
)

// Suggester proposes a patch that moves an event out of a prayer window.
// Nil means no suggestion.
type Suggester interface {
	Suggest(ev *models.Event, w prayer.Window) *models.Patch
}

// DefaultSuggester picks the smallest change that clears the window:
//
//	starts inside, ends after    -> delay_start to the window end
//	starts before, ends inside   -> truncate_end to the window start
//	window strictly inside       -> split around the window
//	event entirely inside window -> shift so it starts at the window end
type DefaultSuggester struct{}

func (DefaultSuggester) Suggest(ev *models.Event, w prayer.Window) *models.Patch {
	if !interval.Overlaps(ev.Range(), w.Range) {
		return nil
	}
	start, end := ev.StartTime, ev.EndTime
	ws, we := w.Range.Start, w.Range.End

	startsBefore := start.Before(ws)
	endsAfter := end.After(we)

	switch {
	case startsBefore && endsAfter:
		return &models.Patch{
			Type: models.PatchSplit,
			Parts: []models.Part{
				{NewStart: start, NewEnd: ws},
				{NewStart: we, NewEnd: end},
			},
		}
	case endsAfter:
		newStart := we
		return &models.Patch{Type: models.PatchDelayStart, NewStart: &newStart}
	case startsBefore:
		newEnd := ws
		return &models.Patch{Type: models.PatchTruncateEnd, NewEnd: &newEnd}
	default:
		return &models.Patch{
			Type:         models.PatchShift,
			ShiftMinutes: interval.CeilMinutes(we.Sub(start)),
		}
	}
}
