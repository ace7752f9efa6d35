package murmur

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelsAndTags(t *testing.T) {
	var out bytes.Buffer
	l := New(&out)

	l.Errorf("boom %d", 1)
	l.Warnf("careful")
	l.Infof("fyi")
	l.Debugf("hidden by default")
	l.Statsf("hidden by default too")

	got := out.String()
	for _, want := range []string{"ERROR:boom 1\n", " WARN:careful\n", " INFO:fyi\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q, got %q", want, got)
		}
	}
	if strings.Contains(got, "hidden") {
		t.Errorf("masked output leaked: %q", got)
	}
}

func TestMasking(t *testing.T) {
	var out bytes.Buffer
	l := New(&out)
	l.SetLevel(ErrorMask | StatsMask)

	l.Infof("nope")
	l.Statsf("ticks=%d", 7)
	l.Errorf("yes")

	got := out.String()
	if strings.Contains(got, "nope") {
		t.Errorf("info not masked: %q", got)
	}
	if !strings.Contains(got, "STATS:ticks=7\n") {
		t.Errorf("stats missing: %q", got)
	}
	if !strings.Contains(got, "ERROR:yes\n") {
		t.Errorf("error missing: %q", got)
	}
}

func TestFatalIsNotMaskable(t *testing.T) {
	var out bytes.Buffer
	l := New(&out)
	l.SetLevel(Nothing)
	l.Fatalf("going down")
	if !strings.Contains(out.String(), "FATAL:going down\n") {
		t.Errorf("fatal masked: %q", out.String())
	}
}

func TestNilLoggerIsSilent(t *testing.T) {
	var l *Logger
	l.Errorf("no panic expected")
	l.Fatalf("still none")
}
