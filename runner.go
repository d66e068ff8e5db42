//----------------------------------------------------------------------
// This file is part of apsrv.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// apsrv is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// apsrv is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package apsrv

import (
	"context"
	"log/slog"
	"time"
)

// Runner defaults
const (
	queueSize                = 3  // packets queued before sending them
	maxRetriesBeforeDropping = 3  // send attempts per packet
	maxPollErrors            = 16 // consecutive poll errors before giving up
	idleWait                 = 51 * time.Millisecond
)

// Runner moves frames between a network device and the IP stack.
type Runner struct {
	nic    NIC
	stack  FrameStack
	mtu    int
	logger *slog.Logger

	// Idle is the pause when neither Rx nor Tx has work.
	Idle time.Duration
	// MaxPollErrors is the number of consecutive poll failures that
	// render the device unusable.
	MaxPollErrors int
}

// NewRunner creates a frame pump for the given device and stack.
func NewRunner(nic NIC, stack FrameStack, mtu int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = discardLogger()
	}
	return &Runner{
		nic:           nic,
		stack:         stack,
		mtu:           mtu,
		logger:        logger,
		Idle:          idleWait,
		MaxPollErrors: maxPollErrors,
	}
}

// Run the frame pump. It only returns on cancellation or if the device
// keeps failing (fatal error).
func (r *Runner) Run(ctx context.Context) error {
	var queue [queueSize][]byte
	for i := range queue {
		queue[i] = make([]byte, r.mtu)
	}
	var lenBuf [queueSize]int
	var retries [queueSize]int
	markSent := func(i int) {
		lenBuf[i] = 0
		retries[i] = 0
	}
	pollErrs := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Poll for incoming packets.
		stallRx := true
		gotPacket, err := r.nic.PollOne()
		if err != nil {
			pollErrs++
			r.logger.Warn("poll error", slog.String("err", err.Error()), slog.Int("count", pollErrs))
			if pollErrs >= r.MaxPollErrors {
				return Fatal("poll", StatNIC, err)
			}
		} else {
			pollErrs = 0
			stallRx = !gotPacket
		}

		// Queue packets to be sent.
		for i := range queue {
			if retries[i] != 0 {
				continue // queued for retransmission
			}
			n, err := r.stack.HandleEth(queue[i])
			if err != nil {
				r.logger.Warn("stack error", slog.Int("n", n), slog.String("err", err.Error()))
				lenBuf[i] = 0
				continue
			}
			lenBuf[i] = n
			if n == 0 {
				break
			}
		}
		if lenBuf == [queueSize]int{} {
			if stallRx {
				// Avoid busy waiting when both Rx and Tx stall.
				if err = sleep(ctx, r.Idle); err != nil {
					return err
				}
			}
			continue
		}

		// Send queued packets.
		for i := range queue {
			n := lenBuf[i]
			if n <= 0 {
				continue
			}
			if err = r.nic.SendEth(queue[i][:n]); err != nil {
				retries[i]++
				if retries[i] > maxRetriesBeforeDropping {
					markSent(i)
					r.logger.Warn("dropped outgoing packet", slog.String("err", err.Error()))
				}
			} else {
				markSent(i)
			}
		}
	}
}
