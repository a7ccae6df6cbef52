package main

import (
	"net/http"
	"testing"
)

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"not_found", http.StatusNotFound},
		{"forbidden", http.StatusForbidden},
		{"conflict", http.StatusBadRequest},
		{"invalid", http.StatusBadRequest},
		{"internal", http.StatusInternalServerError},
		{"anything-else", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForCode(tt.code); got != tt.want {
			t.Errorf("statusForCode(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
