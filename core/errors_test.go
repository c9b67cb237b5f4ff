package core

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"code only", &Error{Code: ErrBadID}, "BADID"},
		{"message", NewError(ErrInvalid, "tool %q", "dx9"), `INVALID: tool "dx9"`},
		{"cause only", &Error{Code: ErrTransport, Cause: io.ErrUnexpectedEOF}, "TRANSPORT: unexpected EOF"},
		{"message and cause", WrapError(ErrTransport, io.EOF, "read header"), "TRANSPORT: read header: EOF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	err := fmt.Errorf("download: %w", WrapError(ErrTransport, io.EOF, "read header"))

	if !errors.Is(err, &Error{Code: ErrTransport}) {
		t.Error("expected errors.Is to match by code")
	}
	if errors.Is(err, &Error{Code: ErrBadID}) {
		t.Error("expected errors.Is not to match a different code")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("expected errors.Is to reach the cause")
	}
	if got := CodeOf(err); got != ErrTransport {
		t.Errorf("CodeOf = %q, want %q", got, ErrTransport)
	}
	if got := CodeOf(io.EOF); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		done, total uint64
		want        uint8
	}{
		{0, 0, 0},
		{0, 100, 0},
		{50, 200, 25},
		{200, 200, 100},
		{300, 200, 100},
	}
	for _, tt := range tests {
		if got := Percent(tt.done, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}

	p := NewProgress(10, 40)
	p.Flags = ProgressInitFinished
	if !p.Has(ProgressInitFinished) || p.Has(ProgressFinalizing) {
		t.Errorf("unexpected flags %b", p.Flags)
	}
	if p.String() != "10/40 (25%)" {
		t.Errorf("String() = %q", p.String())
	}
}
