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
package partition

import (
	"fmt"
	"math/big"
)

// ShardEnd is the sentinel checkpoint of a partition whose records have all
// been processed. It orders after every sequence number.
const ShardEnd = "SHARD_END"

// ErrInvalidSequenceNumber is returned for positions that are neither
// decimal sequence numbers nor ShardEnd.
type ErrInvalidSequenceNumber struct {
	Value string
}

func (e ErrInvalidSequenceNumber) Error() string {
	return fmt.Sprintf("invalid sequence number: %q", e.Value)
}

// CompareSequenceNumbers orders two positions numerically. The empty position
// sorts before everything and ShardEnd after everything. It returns -1, 0 or
// +1 like strings.Compare.
func CompareSequenceNumbers(a, b string) (int, error) {
	ra, err := rank(a)
	if err != nil {
		return 0, err
	}
	rb, err := rank(b)
	if err != nil {
		return 0, err
	}
	if ra.kind != rb.kind {
		if ra.kind < rb.kind {
			return -1, nil
		}
		return 1, nil
	}
	if ra.kind != kindNumber {
		return 0, nil
	}
	return ra.value.Cmp(rb.value), nil
}

// IsBefore reports whether a orders strictly before b.
func IsBefore(a, b string) (bool, error) {
	c, err := CompareSequenceNumbers(a, b)
	return c < 0, err
}

const (
	kindEmpty = iota
	kindNumber
	kindEnd
)

type ranked struct {
	kind  int
	value *big.Int
}

func rank(s string) (ranked, error) {
	switch s {
	case "":
		return ranked{kind: kindEmpty}, nil
	case ShardEnd:
		return ranked{kind: kindEnd}, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return ranked{}, ErrInvalidSequenceNumber{Value: s}
	}
	return ranked{kind: kindNumber, value: v}, nil
}
