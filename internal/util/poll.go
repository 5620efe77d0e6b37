// Copyright 2024 CacheFS Authors
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

package util

import (
	"context"
	"time"
)

const (
	defaultPollTimeout  = 5 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// PollConfig bounds a wait for a condition that no one signals, such as a
// mount appearing or in-flight fetches draining. Zero fields take defaults
// (5s, 50ms).
type PollConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultPollConfig returns the default timeout and interval.
func DefaultPollConfig() PollConfig {
	return PollConfig{}.withDefaults()
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultPollTimeout
	}
	if c.Interval <= 0 {
		c.Interval = defaultPollInterval
	}
	return c
}

// PollUntil checks condition at once and then every interval until it holds.
// It returns ctx.Err() when ctx ends first and context.DeadlineExceeded when
// the timeout passes.
func PollUntil(ctx context.Context, cfg PollConfig, condition func() bool) error {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return poll(ctx, cfg.Interval, condition)
}

// WaitWithDeadline is PollUntil against a wall-clock deadline. It reports
// whether condition held in time.
func WaitWithDeadline(deadline time.Time, interval time.Duration, condition func() bool) bool {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	return poll(ctx, interval, condition) == nil
}

func poll(ctx context.Context, interval time.Duration, condition func() bool) error {
	if condition() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
