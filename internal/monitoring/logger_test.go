package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestPrefixed(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})

	logf := Prefixed("device")
	logf("connect %s failed", "cam-1")
	if want := "device: connect cam-1 failed"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPrefixed_FollowsLoggerReplacement(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := Prefixed("timeline")
	var calls int
	SetLogger(func(string, ...interface{}) { calls++ })
	logf("one")
	SetLogger(nil)
	logf("two")
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
