package migrate

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestRun_EmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		_, err := Run(dsn, Up)
		if err == nil {
			t.Fatalf("Run(%q) should return error", dsn)
		}
		if !strings.HasPrefix(err.Error(), "DATABASE_URL is not set") {
			t.Errorf("error = %q, want DATABASE_URL is not set", err.Error())
		}
	}
}

func TestParseDirection(t *testing.T) {
	testCases := []struct {
		in      string
		want    Direction
		wantErr bool
	}{
		{"up", Up, false},
		{"down", Down, false},
		{"", "", true},
		{"UP", "", true},
		{"sideways", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDirection(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseDirection(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseDirection(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	_, err := Run("postgres://localhost/test", Direction("left"))
	if err == nil {
		t.Fatal("Run with invalid direction should return error")
	}
	if !strings.Contains(err.Error(), "direction") {
		t.Errorf("error = %q, should mention direction", err.Error())
	}
}

func TestRun_InvalidDSN(t *testing.T) {
	for _, dsn := range []string{"invalid-dsn", "://localhost/test", "postgres://localhost with spaces/test"} {
		if _, err := Run(dsn, Up); err == nil {
			t.Errorf("Run with invalid DSN %q should return error", dsn)
		}
	}
}

func TestErrNoChange(t *testing.T) {
	if ErrNoChange == nil {
		t.Fatal("ErrNoChange should not be nil")
	}
	if !errors.Is(ErrNoChange, ErrNoChange) {
		t.Error("ErrNoChange should be errors.Is compatible")
	}
}

func TestRun_UpIsIdempotent(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	v1, err := Run(dsn, Up)
	if err != nil {
		t.Skipf("migrate up failed (expected without a database): %v", err)
	}
	v2, err := Run(dsn, Up)
	if err != nil {
		t.Fatalf("second Run(up) = %v, want nil", err)
	}
	if v1 != v2 || v2 < 2 {
		t.Errorf("versions = %d, %d; want equal and >= 2", v1, v2)
	}
}
