package activity

import (
	"strings"
	"testing"
	"time"
)

func TestTimingParameters_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TimingParameters)
		wantErr string
	}{
		{name: "defaults", mutate: func(*TimingParameters) {}},
		{name: "tight cadence", mutate: func(p *TimingParameters) {
			p.CheckInterval = 5 * time.Millisecond
			p.InactivityPeriod = 50 * time.Millisecond
		}},
		{name: "zero interval", mutate: func(p *TimingParameters) { p.CheckInterval = 0 }, wantErr: "check interval must be positive"},
		{name: "zero inactivity", mutate: func(p *TimingParameters) { p.InactivityPeriod = 0 }, wantErr: "inactivity period must be positive"},
		{name: "interval too close to window", mutate: func(p *TimingParameters) {
			p.CheckInterval = 40 * time.Second
			p.InactivityPeriod = time.Minute
		}, wantErr: "at most half"},
		{name: "negative retries", mutate: func(p *TimingParameters) { p.MaxRetries = -1 }, wantErr: "max retries"},
		{name: "negative quiet", mutate: func(p *TimingParameters) { p.QuietPeriod = -time.Second }, wantErr: "quiet period"},
		{name: "negative backoff", mutate: func(p *TimingParameters) { p.RetryBackoff = -time.Second }, wantErr: "retry backoff"},
		{name: "negative probe timeout", mutate: func(p *TimingParameters) { p.ProbeTimeout = -time.Second }, wantErr: "probe timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultTimingParameters()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestTimingParameters_ProbeBudget(t *testing.T) {
	p := DefaultTimingParameters()
	if got := p.ProbeBudget(); got != p.CheckInterval {
		t.Errorf("ProbeBudget() = %s, want check interval %s", got, p.CheckInterval)
	}
	p.ProbeTimeout = 2 * time.Second
	if got := p.ProbeBudget(); got != 2*time.Second {
		t.Errorf("ProbeBudget() = %s, want 2s", got)
	}
}

func TestTimingParameters_PollsPerWindow(t *testing.T) {
	p := TimingParameters{CheckInterval: 5 * time.Millisecond, InactivityPeriod: 50 * time.Millisecond}
	if got := p.PollsPerWindow(); got != 10 {
		t.Errorf("PollsPerWindow() = %d, want 10", got)
	}
	if got := (TimingParameters{}).PollsPerWindow(); got != 0 {
		t.Errorf("PollsPerWindow() on zero value = %d, want 0", got)
	}
}
