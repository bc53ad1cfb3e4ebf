// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package main

import (
	"context"
	"sync"
)

// localProcess is an in-process client identity. Terminating it cancels
// its context, failing any allocation made with it.
type localProcess struct {
	pid      int
	name     string
	priority int
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

func newLocalProcess(ctx context.Context, pid int, name string, priority int) *localProcess {
	ctx, cancel := context.WithCancel(ctx)
	return &localProcess{
		pid:      pid,
		name:     name,
		priority: priority,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *localProcess) PID() int {
	return p.pid
}

func (p *localProcess) Name() string {
	return p.name
}

func (p *localProcess) Priority() int {
	return p.priority
}

func (p *localProcess) Terminate() error {
	p.once.Do(func() {
		log.Warn("terminating %s (pid %d, priority %d)", p.name, p.pid, p.priority)
		p.cancel()
	})
	return nil
}
