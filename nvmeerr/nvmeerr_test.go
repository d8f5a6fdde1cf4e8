package nvmeerr

import (
	"errors"
	"strings"
	"testing"
)

func TestCodeIsStablePerKind(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want int
	}{
		{BadParam, -1},
		{NoResource, -2},
		{Controller, -3},
		{Timeout, -4},
		{ReadOnly, -5},
		{LBARange, -6},
	}
	for _, c := range cases {
		err := New("op", c.kind, nil)
		if got := Code(err); got != c.want {
			t.Errorf("Code(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestCodeOfNilIsZero(t *testing.T) {
	if got := Code(nil); got != 0 {
		t.Fatalf("Code(nil) = %d, want 0", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := New("Read", BadParam, cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to see through Unwrap to cause")
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := New("Read", BadParam, nil)
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected a non-empty error message")
	}
	if !strings.Contains(msg, "Read") || !strings.Contains(msg, BadParam.String()) {
		t.Fatalf("message %q does not include op %q and kind %q", msg, "Read", BadParam)
	}
}

func TestIs(t *testing.T) {
	err := New("queue.decodeStatus", LBARange, nil)
	if !Is(err, LBARange) {
		t.Fatal("expected Is(err, LBARange) to be true")
	}
	if Is(err, Controller) {
		t.Fatal("expected Is(err, Controller) to be false")
	}
	if Is(errors.New("plain"), BadParam) {
		t.Fatal("expected Is on a non-nvmeerr error to be false")
	}
}
