package main

import (
	"testing"
	"time"
)

func TestRangeFlags_Validate(t *testing.T) {
	none := rangeFlags{fromBlock: -1, toBlock: -1}

	tests := []struct {
		name    string
		mutate  func(f *rangeFlags)
		wantErr bool
	}{
		{"no mode", func(f *rangeFlags) {}, true},
		{"explicit range", func(f *rangeFlags) { f.fromBlock, f.toBlock = 10, 20 }, false},
		{"from only", func(f *rangeFlags) { f.fromBlock = 10 }, false},
		{"to only", func(f *rangeFlags) { f.toBlock = 10 }, true},
		{"inverted", func(f *rangeFlags) { f.fromBlock, f.toBlock = 20, 10 }, true},
		{"window", func(f *rangeFlags) { f.days, f.hours = 1, 2 }, false},
		{"negative window", func(f *rangeFlags) { f.hours = -1; f.resume = true }, true},
		{"resume", func(f *rangeFlags) { f.resume = true }, false},
		{"replay", func(f *rangeFlags) { f.replayGaps = true }, false},
		{"resume and window", func(f *rangeFlags) { f.resume = true; f.minutes = 5 }, true},
		{"range and replay", func(f *rangeFlags) { f.fromBlock = 1; f.replayGaps = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := none
			tt.mutate(&f)
			err := f.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRangeFlags_Window(t *testing.T) {
	f := rangeFlags{days: 1, hours: 2, minutes: 30}
	if got, want := f.window(), 26*time.Hour+30*time.Minute; got != want {
		t.Errorf("window() = %v, want %v", got, want)
	}
}
