// Copyright 2024 The Armored Netboot authors. All Rights Reserved.
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

// Package poll waits for externally advanced state to reach a target value.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned by Until when the deadline elapses first.
var ErrTimeout = errors.New("poll deadline exceeded")

var errPending = errors.New("pending")

// Cond reports whether the awaited state has been reached. A non-nil error
// stops polling immediately.
type Cond func() (done bool, err error)

// Until evaluates cond straight away and then once every interval, until it
// reports done, returns an error or timeout elapses.
//
// Cancellation of ctx is returned as ctx.Err(), expiry of timeout as
// ErrTimeout.
func Until(ctx context.Context, interval, timeout time.Duration, cond Cond) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := func() error {
		done, err := cond()
		switch {
		case err != nil:
			return backoff.Permanent(err)
		case !done:
			return errPending
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), pctx))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errPending):
		return ErrTimeout
	}
	return err
}
