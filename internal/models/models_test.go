package models

import (
	"testing"
	"time"
)

func TestParseStep(t *testing.T) {
	cases := []struct {
		raw  string
		want Step
	}{
		{"WELCOME", StepWelcome},
		{"CLIENT_TYPE", StepClientType},
		{"PRACTICE_AREA", StepPracticeArea},
		{"SCHEDULING_OFFER", StepSchedulingOffer},
		{"SCHEDULING_TYPE", StepSchedulingType},
		{"COMPLETED", StepCompleted},
		{"", StepWelcome},
		{"garbage", StepWelcome},
		{"welcome", StepWelcome}, // case sensitive on purpose: stored values are canonical
	}
	for _, c := range cases {
		if got := ParseStep(c.raw); got != c.want {
			t.Errorf("ParseStep(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestIsValidStep(t *testing.T) {
	for _, s := range []Step{StepWelcome, StepClientType, StepPracticeArea, StepSchedulingOffer, StepSchedulingType, StepCompleted} {
		if !IsValidStep(s) {
			t.Errorf("IsValidStep(%q) = false, want true", s)
		}
	}
	if IsValidStep(Step("NOPE")) {
		t.Error("IsValidStep accepted an unknown step")
	}
}

func TestClassifyTimeout(t *testing.T) {
	cases := []struct {
		name string
		step Step
		idle time.Duration
		want TimeoutClass
	}{
		{"mid-flow short idle", StepClientType, 10 * time.Minute, TimeoutInactivity},
		{"mid-flow 20 minutes is step timeout", StepPracticeArea, 20 * time.Minute, TimeoutStep},
		{"any step 35 minutes is session timeout", StepWelcome, 35 * time.Minute, TimeoutSession},
		{"65 minutes is reengagement timeout", StepClientType, 65 * time.Minute, TimeoutReengagement},
		{"welcome short idle stays inactivity", StepWelcome, 10 * time.Minute, TimeoutInactivity},
		{"exact step threshold", StepSchedulingOffer, 15 * time.Minute, TimeoutStep},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ClassifyTimeout(c.step, c.idle); got != c.want {
				t.Errorf("ClassifyTimeout(%q, %v) = %q, want %q", c.step, c.idle, got, c.want)
			}
		})
	}
}

func TestMidFlow(t *testing.T) {
	if StepWelcome.MidFlow() || StepCompleted.MidFlow() {
		t.Error("Welcome/Completed must not be mid-flow")
	}
	for _, s := range []Step{StepClientType, StepPracticeArea, StepSchedulingOffer, StepSchedulingType} {
		if !s.MidFlow() {
			t.Errorf("%q should be mid-flow", s)
		}
	}
}

func TestSessionDataSnapshot(t *testing.T) {
	s := &Session{Data: map[DataKey]string{DataKeyClientType: "new"}}
	snap := s.DataSnapshot()
	snap[DataKeyClientType] = "changed"
	if s.Data[DataKeyClientType] != "new" {
		t.Error("DataSnapshot must return a copy, not the underlying map")
	}
}

func TestDefaultReengagementPolicies(t *testing.T) {
	p := DefaultReengagementPolicies()
	if p[TimeoutInactivity].MaxAttempts != 2 || !p[TimeoutInactivity].Escalate {
		t.Errorf("inactivity policy wrong: %+v", p[TimeoutInactivity])
	}
	if p[TimeoutStep].MaxAttempts != 1 || !p[TimeoutStep].AutoReset {
		t.Errorf("step timeout policy wrong: %+v", p[TimeoutStep])
	}
	if p[TimeoutReengagement].MaxAttempts != 0 || !p[TimeoutReengagement].AutoReset {
		t.Errorf("reengagement policy wrong: %+v", p[TimeoutReengagement])
	}
}
