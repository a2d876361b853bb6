package logging

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "console", false},
		{"debug", "json", false},
		{"", "", false},
		{"warning", "console", false},
		{"loud", "console", true},
		{"info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for level=%q format=%q", tt.level, tt.format)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if logger == nil {
				t.Fatal("Expected logger, got nil")
			}
		})
	}
}
