// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaltWaitsForTasks(t *testing.T) {
	var w Worker
	var done atomic.Int32

	for i := 0; i < 5; i++ {
		w.GoTimeout(time.Second, func(ctx context.Context) {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
		})
	}
	w.Halt()
	assert.EqualValues(t, 5, done.Load())
}

func TestGoTimeoutIsDetachedFromCaller(t *testing.T) {
	var w Worker
	caller, cancel := context.WithCancel(context.Background())
	cancel()
	<-caller.Done()

	errCh := make(chan error, 1)
	w.GoTimeout(time.Second, func(ctx context.Context) {
		errCh <- ctx.Err()
	})
	w.Halt()
	require.NoError(t, <-errCh)
}

func TestGoTimeoutExpires(t *testing.T) {
	var w Worker
	errCh := make(chan error, 1)
	w.GoTimeout(5*time.Millisecond, func(ctx context.Context) {
		<-ctx.Done()
		errCh <- ctx.Err()
	})
	w.Halt()
	assert.ErrorIs(t, <-errCh, context.DeadlineExceeded)
}

func TestHaltChClosed(t *testing.T) {
	var w Worker
	w.Go(func() { <-w.HaltCh() })
	w.Halt()
	select {
	case <-w.HaltCh():
	default:
		t.Fatal("halt channel still open")
	}
}
