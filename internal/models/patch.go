package models

import (
	"fmt"
	"time"
)

// PatchType names a change to an event's schedule.
type PatchType string

const (
	// PatchDelayStart moves the start later, keeping the end.
	PatchDelayStart PatchType = "delay_start"
	// PatchTruncateEnd moves the end earlier, keeping the start.
	PatchTruncateEnd PatchType = "truncate_end"
	// PatchSplit turns one event into two sub-intervals.
	PatchSplit PatchType = "split"
	// PatchShift moves both ends by ShiftMinutes.
	PatchShift PatchType = "shift"
	// PatchMarkFree makes the event non-blocking.
	PatchMarkFree PatchType = "mark_free"
)

// Part is one sub-interval of a split.
type Part struct {
	NewStart time.Time `json:"new_start"`
	NewEnd   time.Time `json:"new_end"`
}

// Patch is a suggested or applied change to an event. It is stored as JSON
// on the conflict row.
type Patch struct {
	Type         PatchType  `json:"type"`
	NewStart     *time.Time `json:"new_start,omitempty"`
	NewEnd       *time.Time `json:"new_end,omitempty"`
	ShiftMinutes int        `json:"shift_minutes,omitempty"`
	Parts        []Part     `json:"parts,omitempty"`
	Transparency string     `json:"transparency,omitempty"`
	Status       string     `json:"status,omitempty"`
}

// Validate checks that the patch carries what its type needs.
func (p *Patch) Validate() error {
	switch p.Type {
	case PatchDelayStart:
		if p.NewStart == nil && p.ShiftMinutes == 0 {
			return fmt.Errorf("%w: delay_start needs new_start or shift_minutes", ErrInvalidInput)
		}
	case PatchTruncateEnd:
		if p.NewEnd == nil {
			return fmt.Errorf("%w: truncate_end needs new_end", ErrInvalidInput)
		}
	case PatchSplit:
		if len(p.Parts) != 2 {
			return fmt.Errorf("%w: split needs exactly two parts", ErrInvalidInput)
		}
		for _, part := range p.Parts {
			if !part.NewEnd.After(part.NewStart) {
				return fmt.Errorf("%w: split part ends before it starts", ErrInvalidInput)
			}
		}
	case PatchShift:
		if p.ShiftMinutes == 0 {
			return fmt.Errorf("%w: shift needs shift_minutes", ErrInvalidInput)
		}
	case PatchMarkFree:
	default:
		return fmt.Errorf("%w: unknown patch type %q", ErrInvalidInput, p.Type)
	}
	return nil
}

// Apply mutates ev according to the patch and returns the fields it
// changed. A split only rewrites ev to the first part; the caller creates
// the second event from SecondPart.
func (p *Patch) Apply(ev *Event) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	orig := *ev
	var changed []string
	setStart := func(t time.Time) {
		if !ev.StartTime.Equal(t) {
			ev.StartTime = t
			changed = append(changed, FieldStart)
		}
	}
	setEnd := func(t time.Time) {
		if !ev.EndTime.Equal(t) {
			ev.EndTime = t
			changed = append(changed, FieldEnd)
		}
	}

	switch p.Type {
	case PatchDelayStart:
		if p.NewStart != nil {
			setStart(*p.NewStart)
		} else {
			setStart(ev.StartTime.Add(time.Duration(p.ShiftMinutes) * time.Minute))
		}
	case PatchTruncateEnd:
		setEnd(*p.NewEnd)
	case PatchSplit:
		setStart(p.Parts[0].NewStart)
		setEnd(p.Parts[0].NewEnd)
	case PatchShift:
		d := time.Duration(p.ShiftMinutes) * time.Minute
		start, end := ev.StartTime.Add(d), ev.EndTime.Add(d)
		setStart(start)
		setEnd(end)
	case PatchMarkFree:
		transparency := p.Transparency
		if transparency == "" {
			transparency = TransparencyTransparent
		}
		status := p.Status
		if status == "" {
			status = EventTentative
		}
		if ev.Transparency != transparency {
			ev.Transparency = transparency
			changed = append(changed, FieldTransparency)
		}
		if ev.Status != status {
			ev.Status = status
			changed = append(changed, FieldStatus)
		}
	}
	if !ev.EndTime.After(ev.StartTime) {
		*ev = orig
		return nil, fmt.Errorf("%w: patch leaves event with non-positive duration", ErrInvalidInput)
	}
	return changed, nil
}

// SecondPart returns the second interval of a split patch.
func (p *Patch) SecondPart() (Part, bool) {
	if p.Type != PatchSplit || len(p.Parts) != 2 {
		return Part{}, false
	}
	return p.Parts[1], true
}
