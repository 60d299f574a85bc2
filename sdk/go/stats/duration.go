// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package stats formats measurements for logs and metrics.
package stats

import (
	"strconv"
	"time"
)

// Duration is a duration that renders as a number of seconds in
// fixed-point notation, both as a string and in JSON.
type Duration time.Duration

// String implements fmt.Stringer.
func (d Duration) String() string {
	return strconv.FormatFloat(time.Duration(d).Seconds(), 'f', 6, 64)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(d.String()), nil
}
