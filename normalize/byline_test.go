package normalize

import "testing"

func TestIsByline(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"by Jane Doe", true},
		{"By John", true},
		{"  by Alan Turing and others", true},
		{"by the way", false},
		{"Standby Mode", false},
		{"Written by Jane Doe", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsByline(tt.line); got != tt.want {
			t.Errorf("IsByline(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestIsBylineAnchor(t *testing.T) {
	tests := []struct {
		name string
		lead string
		text string
		want bool
	}{
		{"label before link", "Written by ", "Ada", true},
		{"parent starts with byline", "by Jane and ", "Ada", true},
		{"capitalized name", "", "Jane Doe", true},
		{"ordinary link", "Read ", "the full story", false},
		{"single word brand", "", "OpenAI", false},
		{"five capitalized words", "", "One Two Three Four Five", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBylineAnchor(tt.lead, tt.text); got != tt.want {
				t.Errorf("IsBylineAnchor(%q, %q) = %v, want %v", tt.lead, tt.text, got, tt.want)
			}
		})
	}
}
