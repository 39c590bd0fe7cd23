package sequence

import "testing"

func TestUrgencyQueuePriority(t *testing.T) {
	tests := []struct {
		urgency Urgency
		want    int
	}{
		{UrgencyCritical, 1},
		{UrgencyHigh, 3},
		{UrgencyMedium, 5},
		{UrgencyLow, 8},
		{Urgency("unknown"), 5},
	}
	for _, tt := range tests {
		if got := tt.urgency.QueuePriority(); got != tt.want {
			t.Errorf("QueuePriority(%s) = %d, want %d", tt.urgency, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusBooked, StatusFailed, StatusManualStop}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("Terminal(%s) = false, want true", s)
		}
	}
	open := []Status{StatusActive, StatusPaused, StatusReplied}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("Terminal(%s) = true, want false", s)
		}
	}
}

func TestStepContentValidate(t *testing.T) {
	tests := []struct {
		name    string
		content StepContent
		wantErr bool
	}{
		{"valid sms", StepContent{Channel: ChannelSMS, Body: "hi"}, false},
		{"sms missing body", StepContent{Channel: ChannelSMS}, true},
		{"sms with email leak", StepContent{Channel: ChannelSMS, Body: "hi", Subject: "s"}, true},
		{"valid email", StepContent{Channel: ChannelEmail, Subject: "s", Text: "t"}, false},
		{"email missing body", StepContent{Channel: ChannelEmail, Subject: "s"}, true},
		{"valid voice", StepContent{Channel: ChannelVoice, FirstMessage: "hello", SystemPrompt: "p"}, false},
		{"voice with sms leak", StepContent{Channel: ChannelVoice, FirstMessage: "hello", Body: "x"}, true},
		{"unknown channel", StepContent{Channel: "fax", Body: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.content.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStepMutationAllowed(t *testing.T) {
	tests := []struct {
		name            string
		override        string
		sequenceEnabled bool
		want            bool
	}{
		{"inherit enabled", "", true, true},
		{"inherit disabled", "", false, false},
		{"step disabled wins", "disabled", true, false},
		{"step enabled wins", "enabled", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Step{MutationOverride: tt.override}
			if got := st.MutationAllowed(tt.sequenceEnabled); got != tt.want {
				t.Errorf("MutationAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnrollmentFlagSet(t *testing.T) {
	e := &Enrollment{ContactReplied: true, AppointmentBooked: true}
	if !e.FlagSet("contact_replied") {
		t.Error("contact_replied should be set")
	}
	if e.FlagSet("contact_answered_call") {
		t.Error("contact_answered_call should not be set")
	}
	if !e.FlagSet("appointment_booked") {
		t.Error("appointment_booked should be set")
	}
	if e.FlagSet("nonsense") {
		t.Error("unknown keys never match")
	}
}
