package queue

import "time"

// Window is a daily blackout range [StartHour, EndHour) in local hours.
// StartHour greater than EndHour spans midnight; equal hours disable the window.
type Window struct {
	StartHour int
	EndHour   int
}

// Enabled reports whether the window excludes any hour.
func (w Window) Enabled() bool {
	return w.StartHour != w.EndHour
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled() {
		return false
	}
	h := t.Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Shift moves t to the closing hour of the window when t falls inside it.
func (w Window) Shift(t time.Time) time.Time {
	if !w.Contains(t) {
		return t
	}
	end := time.Date(t.Year(), t.Month(), t.Day(), w.EndHour, 0, 0, 0, t.Location())
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// SlotConfig holds the parameters shared by slot allocation and rebuilds.
type SlotConfig struct {
	Interval time.Duration
	Blackout Window
	Location *time.Location
}

func (c SlotConfig) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Anchor is the reference a new slot is computed from.
// Tail is the scheduled time of the last pending post, LastPublished the
// channel publish time of the most recent publication.
type Anchor struct {
	Tail          *time.Time
	LastPublished *time.Time
}

// NextSlot returns ref plus one interval, moved out of the blackout window.
func NextSlot(ref time.Time, cfg SlotConfig) time.Time {
	return cfg.Blackout.Shift(ref.Add(cfg.Interval).In(cfg.location()))
}

// ComputeSlot picks the publish slot for a newly approved post.
//
// With a non-empty queue the slot follows the tail. With an empty queue the
// slot follows the last publication, or is now when a full interval has
// already passed since it. Without any anchor the slot is now.
func ComputeSlot(anchor Anchor, now time.Time, cfg SlotConfig) time.Time {
	switch {
	case anchor.Tail != nil:
		return NextSlot(*anchor.Tail, cfg)
	case anchor.LastPublished != nil && now.Sub(*anchor.LastPublished) < cfg.Interval:
		return NextSlot(*anchor.LastPublished, cfg)
	default:
		return cfg.Blackout.Shift(now.In(cfg.location()))
	}
}
