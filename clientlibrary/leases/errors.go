/*
 * Copyright (c) 2019 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package leases

import "errors"

var (
	// ErrStaleLease is returned when a conditional write observed a lease
	// counter other than the expected one. Another writer got there first.
	ErrStaleLease = errors.New("stale lease: lease counter does not match")

	// ErrLeaseLost is returned when the lease is owned by somebody else.
	ErrLeaseLost = errors.New("lease lost")

	// ErrLeaseExpired is returned when renewing or checkpointing a lease whose
	// expiry has passed.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrLeaseNotFound is returned when no lease exists for the partition.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrLeaseExists is returned by Backend.Insert when the lease is already present.
	ErrLeaseExists = errors.New("lease already exists")

	// ErrCheckpointRegression is returned when a checkpoint would move a
	// partition's position backwards.
	ErrCheckpointRegression = errors.New("checkpoint position is behind the stored checkpoint")
)

// IsLeaseLoss tells whether err means the caller no longer holds the lease.
// Dependency failures are not lease loss: ownership is merely unknown.
func IsLeaseLoss(err error) bool {
	return errors.Is(err, ErrStaleLease) ||
		errors.Is(err, ErrLeaseLost) ||
		errors.Is(err, ErrLeaseExpired) ||
		errors.Is(err, ErrLeaseNotFound)
}
