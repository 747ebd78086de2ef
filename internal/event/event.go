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

// Package event fans update-session state transitions out to interested
// subsystems. Delivery is advisory: publishing with no subscribers, or on a
// nil Notifier, is a no-op.
package event

import (
	"sync"

	"github.com/embedded-dev/ota-backend/api"
)

// Notifier delivers events synchronously to registered callbacks.
type Notifier struct {
	mu   sync.Mutex
	subs []func(api.Event)
}

// Subscribe registers fn to receive all events published after this call.
// Callbacks run on the publisher's goroutine and must not block.
func (n *Notifier) Subscribe(fn func(api.Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

// Publish delivers ev to every subscriber. Safe on a nil Notifier.
func (n *Notifier) Publish(ev api.Event) {
	if n == nil {
		return
	}
	n.mu.Lock()
	subs := n.subs
	n.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
