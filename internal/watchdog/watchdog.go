// Copyright 2025 The OTA Backend Authors. All Rights Reserved.
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

// Package watchdog coordinates access to the system watchdog timer around
// long-running flash operations. The watchdog is never disabled, only
// widened and serviced, so a genuine hang still resets the device.
package watchdog

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Watchdog mirrors the platform watchdog timer, allowing substitutions for
// testing and for hosts with no hardware timer.
type Watchdog interface {
	// Timeout returns the currently configured timeout.
	Timeout() time.Duration
	// SetTimeout reconfigures the timeout and restarts the countdown.
	SetTimeout(d time.Duration)
	// Service feeds the watchdog, restarting the countdown.
	Service()
}

// Scoped raises the watchdog timeout to at least d and returns a restore
// function which puts the previous timeout back. Callers must defer the
// restore so it runs on every exit path.
func Scoped(w Watchdog, d time.Duration) (restore func()) {
	prev := w.Timeout()
	if d <= prev {
		return func() {}
	}
	w.SetTimeout(d)
	return func() { w.SetTimeout(prev) }
}

// Nop is a Watchdog for targets without a watchdog timer.
type Nop struct{}

func (Nop) Timeout() time.Duration   { return 0 }
func (Nop) SetTimeout(time.Duration) {}
func (Nop) Service()                 {}

// Soft is a software watchdog: a timer which invokes a trip callback if
// not serviced within the configured timeout. It stands in for the
// hardware timer on hosts.
type Soft struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	onTrip  func()
	stopped bool
}

// NewSoft returns a running software watchdog. onTrip is invoked from a
// timer goroutine when the watchdog expires.
func NewSoft(timeout time.Duration, onTrip func()) *Soft {
	s := &Soft{
		timeout: timeout,
		onTrip:  onTrip,
	}
	s.timer = time.AfterFunc(timeout, s.trip)
	return s
}

func (s *Soft) trip() {
	klog.Errorf("watchdog expired after %v without service", s.Timeout())
	if s.onTrip != nil {
		s.onTrip()
	}
}

// Timeout returns the currently configured timeout.
func (s *Soft) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetTimeout reconfigures the timeout and restarts the countdown.
func (s *Soft) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	if !s.stopped {
		s.timer.Reset(d)
	}
}

// Service feeds the watchdog, restarting the countdown.
func (s *Soft) Service() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.timer.Reset(s.timeout)
	}
}

// Stop disarms the watchdog.
func (s *Soft) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.timer.Stop()
}
