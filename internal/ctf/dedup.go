package ctf

import "github.com/ethereum/go-ethereum/common"

// Deduper keeps one event per condition id. The first event added for an id
// wins, so its token assignment is the one persisted.
type Deduper struct {
	index  map[common.Hash]int
	events []RegistrationEvent
}

func NewDeduper() *Deduper {
	return &Deduper{index: make(map[common.Hash]int)}
}

// Add records ev and reports whether it was the first for its condition id.
func (d *Deduper) Add(ev RegistrationEvent) bool {
	if _, ok := d.index[ev.ConditionID]; ok {
		return false
	}
	d.index[ev.ConditionID] = len(d.events)
	d.events = append(d.events, ev)
	return true
}

func (d *Deduper) Len() int {
	return len(d.events)
}

// Events returns the representatives in order of first appearance.
func (d *Deduper) Events() []RegistrationEvent {
	out := make([]RegistrationEvent, len(d.events))
	copy(out, d.events)
	return out
}

// Deduplicate collapses events sharing a condition id.
func Deduplicate(events []RegistrationEvent) []RegistrationEvent {
	d := NewDeduper()
	for _, ev := range events {
		d.Add(ev)
	}
	return d.Events()
}
