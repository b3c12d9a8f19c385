package monitoring

import (
	"bytes"
	"io"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelDiag, false},
		{"ops", LevelOps, false},
		{"DIAG", LevelDiag, false},
		{" trace ", LevelTrace, false},
		{"debug", LevelTrace, false},
		{"loud", LevelDiag, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestConfigureStreams(t *testing.T) {
	var buf bytes.Buffer
	type streams struct{ ops, diag, trace io.Writer }
	var a, b streams
	setA := func(o, d, tr io.Writer) { a = streams{o, d, tr} }
	setB := func(o, d, tr io.Writer) { b = streams{o, d, tr} }

	ConfigureStreams(&buf, LevelOps, setA, setB)
	if a.ops != &buf || a.diag != nil || a.trace != nil {
		t.Errorf("ops level: got %+v", a)
	}
	if b.ops != &buf {
		t.Error("every setter should be configured")
	}

	ConfigureStreams(&buf, LevelTrace, setA)
	if a.diag != &buf || a.trace != &buf {
		t.Errorf("trace level: got %+v", a)
	}
}
