package hub

import "testing"

func TestParseKind(t *testing.T) {
	tests := []struct {
		in     string
		want   Kind
		wantOK bool
	}{
		{"position", KindPosition, true},
		{"pos", KindPosition, true},
		{"Position", KindPosition, true},
		{"status", KindStatus, true},
		{"stat", KindStatus, true},
		{"command-response", KindCommandResponse, true},
		{"command_response", KindCommandResponse, true},
		{"cmd-response", KindCommandResponse, true},
		{"altitude", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseKind(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseKind(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseSubjectKey(t *testing.T) {
	tests := []struct {
		in      string
		wantKey string
		wantID  int64
		wantOK  bool
	}{
		{"drone-42", "drone-42", 42, true},
		{"42", "drone-42", 42, true},
		{" drone-7 ", "drone-7", 7, true},
		{"drone-", "", 0, false},
		{"drone-abc", "", 0, false},
		{"helicopter-1", "", 0, false},
		{"-5", "", 0, false},
		{"", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			key, id, ok := ParseSubjectKey(tt.in)
			if ok != tt.wantOK || key != tt.wantKey || id != tt.wantID {
				t.Errorf("ParseSubjectKey(%q) = %q, %d, %v; want %q, %d, %v",
					tt.in, key, id, ok, tt.wantKey, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestReadPermissionPerKind(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindPosition, "drone.position.read"},
		{KindStatus, "drone.status.read"},
		{KindCommandResponse, "drone.command.read"},
	}
	for _, tt := range tests {
		if got := tt.kind.ReadPermission(); got != tt.want {
			t.Errorf("ReadPermission(%s) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
