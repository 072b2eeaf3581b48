package cmdline

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"  ls  ", "ls"},
		{"systemctl   status    mira-backend", "systemctl status mira-backend"},
		{"apt install curl", "apt install curl"},
		{"rm -rf /var/data", "rm -rf /var/data"},
		{"echo 'a   b'", "echo 'a   b'"},
		{`echo "hello   world"`, `echo "hello   world"`},
		{"true && false", "true && false"},
		{"a; b", "a; b"},
		{"cat file | grep foo", "cat file | grep foo"},
		// Unparseable input falls back to the trimmed original.
		{"echo 'unterminated", "echo 'unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Normalize(tt.input)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestProgram(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"ls", "ls"},
		{"systemctl restart mira-backend", "systemctl"},
		{"  apt   install curl", "apt"},
		{"true && reboot", "true"},
		{"FOO=bar make build", "make"},
		{"echo 'unterminated", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Program(tt.input)
			if got != tt.want {
				t.Errorf("Program(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
