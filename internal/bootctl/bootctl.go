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

// Package bootctl switches the boot partition outside of an update
// session: designate a partition by label and restart shortly after,
// leaving time for pending diagnostic output to flush.
package bootctl

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/embedded-dev/ota-backend/internal/flash"
)

// DefaultDelay is how long Activate waits before triggering the restart.
const DefaultDelay = 100 * time.Millisecond

// Controller switches the boot target and restarts the device.
type Controller struct {
	Table *flash.Table
	// Restart triggers the platform restart. Required.
	Restart func()
	// Delay between designating the target and restarting. Zero means
	// DefaultDelay.
	Delay time.Duration
}

// Activate designates the boot partition with the given label as the next
// boot target and schedules a restart. The restart is fire-and-forget:
// Activate returns as soon as the target is durably recorded.
func (c *Controller) Activate(label string) error {
	p := c.Table.Find(flash.RoleBoot, label)
	if p == nil {
		return fmt.Errorf("no boot partition %q", label)
	}
	if err := c.Table.SetBootTarget(p); err != nil {
		return fmt.Errorf("failed to set boot target %q: %v", label, err)
	}

	delay := c.Delay
	if delay == 0 {
		delay = DefaultDelay
	}
	klog.Infof("booting %q in %v", label, delay)
	klog.Flush()

	go func() {
		time.Sleep(delay)
		c.Restart()
	}()
	return nil
}
