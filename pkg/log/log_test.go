// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden %d\n", 1)
	l.Infof("shown %d\n", 2)
	l.Warningf("shown %d\n", 3)
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines (%v), want %d", got, tw.lines, want)
	}
	l.SetLevel(Debug)
	l.Debugf("now shown\n")
	if got, want := len(tw.lines), 3; got != want {
		t.Fatalf("got %d lines after SetLevel(Debug), want %d", got, want)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Warning, ts, "fault at %#x", 0x1000)
	got := buf.String()
	if !strings.HasPrefix(got, "W0304 05:06:07.000008 ") {
		t.Errorf("unexpected header: %q", got)
	}
	if !strings.HasSuffix(got, "] fault at 0x1000\n") {
		t.Errorf("unexpected message: %q", got)
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("caller missing from %q", got)
	}
}

// output returns everything written to w, one message per line.
func (w *testWriter) output() []string {
	return strings.Split(strings.TrimSuffix(strings.Join(w.lines, ""), "\n"), "\n")
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("segfault %d", i)
	}
	if got := tw.output(); len(got) != 1 {
		t.Errorf("rate limited logger emitted %q, want 1 line", got)
	}
	if !rl.IsLogging(Debug) {
		t.Errorf("IsLogging should defer to the wrapped logger")
	}

	// Lift the limit; the next message reports what was dropped.
	rl.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	rl.Warningf("segfault %d", 10)
	want := []string{"segfault 0", "segfault 10 (9 similar messages suppressed)"}
	if got := tw.output(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRateLimitedLoggerLevel(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	rl.Debugf("filtered")
	rl.Infof("shown")
	if got := tw.output(); len(got) != 1 || got[0] != "shown" {
		t.Errorf("got %q, want a single \"shown\" line", got)
	}
}

func TestBasicRateLimitedLoggerFollowsTarget(t *testing.T) {
	old := Log()
	defer log.Store(old)

	rl := BasicRateLimitedLogger(time.Hour)
	tw := &testWriter{}
	SetTarget(&Writer{Next: tw})
	rl.Warningf("after %s", "SetTarget")
	if got := tw.output(); len(got) != 1 || got[0] != "after SetTarget" {
		t.Errorf("got %q, want the message on the new target", got)
	}
}
