// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"testing"
)

func TestSessionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "with leg",
			err:  New("read", "upstream", "abc", "10.0.0.1:5000", ErrSessionClosed),
			want: "upstream read [abc] 10.0.0.1:5000: session closed",
		},
		{
			name: "without leg",
			err:  New("select pool", "", "abc", "10.0.0.1:5000", ErrUnknownPool),
			want: "select pool [abc] 10.0.0.1:5000: unknown pool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNilPassthrough(t *testing.T) {
	if err := New("op", "", "", "", nil); err != nil {
		t.Errorf("New(nil) = %v, want nil", err)
	}
	if err := Wrap(nil, "msg"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestUnwrap(t *testing.T) {
	err := Wrap(New("dial", "upstream", "s1", "", ErrBackendUnavailable), "connect")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("errors.Is(%v, ErrBackendUnavailable) = false", err)
	}
	var se *SessionError
	if !errors.As(err, &se) {
		t.Fatalf("errors.As did not find SessionError in %v", err)
	}
	if se.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", se.SessionID)
	}
}
