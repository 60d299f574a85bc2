// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"encoding/json"
	"testing"
	"time"
)

func TestString(t *testing.T) {
	d := Duration(123123123123 * time.Nanosecond)
	if s, expect := d.String(), "123.123123"; s != expect {
		t.Errorf("got %s, expect %s", s, expect)
	}
}

func TestMarshalJSON(t *testing.T) {
	buf, err := json.Marshal(map[string]Duration{"d": Duration(time.Second / 2)})
	if err != nil {
		t.Fatal(err)
	}
	if got, expect := string(buf), `{"d":0.500000}`; got != expect {
		t.Errorf("got %s, expect %s", got, expect)
	}
}
