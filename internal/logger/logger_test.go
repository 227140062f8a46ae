package logger

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		level    string
		encoding string
		wantErr  bool
	}{
		{"dev console", "dev", "debug", "", false},
		{"prod json", "prod", "info", "json", false},
		{"prod forced console", "prod", "warn", "console", false},
		{"bad level", "dev", "loud", "", true},
		{"bad encoding", "prod", "info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lg, err := New(tt.env, tt.level, tt.encoding, "flash-sale", "test")
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if lg != nil {
				_ = lg.Sync()
			}
		})
	}
}
