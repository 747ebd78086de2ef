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

// Package mem provides the auxiliary buffer pool backing buffered-mode
// updates. The pool models a fixed-size RAM bank separate from primary
// working memory: allocations are contiguous and all-or-nothing.
package mem

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Pool is a fixed-capacity allocator. It is safe for concurrent use, as
// the bank it models is a process-wide resource.
type Pool struct {
	mu   sync.Mutex
	size int
	used int
}

// NewPool returns a pool of the given capacity in bytes.
func NewPool(size int) *Pool {
	return &Pool{size: size}
}

// Free returns the number of unallocated bytes.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - p.used
}

// Alloc reserves a contiguous buffer of exactly n bytes, or fails without
// reserving anything.
func (p *Pool) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if free := p.size - p.used; n > free {
		return nil, fmt.Errorf("allocation of %d bytes exceeds free pool capacity %d", n, free)
	}
	p.used += n
	klog.V(2).Infof("pool alloc %d bytes, %d free", n, p.size-p.used)
	return make([]byte, n), nil
}

// Release returns buf's capacity to the pool. Safe to call with nil.
func (p *Pool) Release(buf []byte) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used -= cap(buf)
	if p.used < 0 {
		p.used = 0
	}
	klog.V(2).Infof("pool release %d bytes, %d free", cap(buf), p.size-p.used)
}
