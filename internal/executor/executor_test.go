package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	base := errors.New("upstream said no")

	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"plain", base, false},
		{"transient", Transient(base), false},
		{"fatal", Fatal(base), true},
		{"wrapped fatal", fmt.Errorf("run 3: %w", Fatal(base)), true},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.fatal)
			}
		})
	}

	if !errors.Is(Fatal(base), base) || !errors.Is(Transient(base), base) {
		t.Error("Classified errors should unwrap to their cause")
	}
	if Fatal(nil) != nil || Transient(nil) != nil {
		t.Error("Classifying nil should yield nil")
	}
}
