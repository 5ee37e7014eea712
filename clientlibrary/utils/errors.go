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
package utils

import (
	"errors"
	"fmt"
)

// DependencyError reports a transient failure talking to a collaborator: the
// lease store or the data source. Callers retry it with backoff.
type DependencyError struct {
	// Dependency names the collaborator, e.g. "dynamodb" or "kinesis".
	Dependency string
	// Op is the operation that failed.
	Op  string
	Err error
}

// NewDependencyError wraps err. A nil err yields nil.
func NewDependencyError(dependency, op string, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{Dependency: dependency, Op: op, Err: err}
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s unavailable: %v", e.Dependency, e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// IsDependencyUnavailable tells whether err, or anything it wraps, is a DependencyError.
func IsDependencyUnavailable(err error) bool {
	var depErr *DependencyError
	return errors.As(err, &depErr)
}
