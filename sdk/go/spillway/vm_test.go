// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package spillway

import (
	"encoding/json"
	"strings"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&VMSuite{})

type VMSuite struct{}

func (s *VMSuite) TestValidate(c *check.C) {
	for _, trial := range []struct {
		vm VM
		ok bool
	}{
		{VM{VMID: "1", State: VMStateStarting, Jobs: JobIDSet{}}, true},
		{VM{VMID: "1", State: VMStateReady, NodeName: "node1", Jobs: JobIDSet{"j1": {}}}, true},
		{VM{VMID: "1", State: VMStateDown, Jobs: JobIDSet{}}, true},
		{VM{VMID: "", State: VMStateStarting, Jobs: JobIDSet{}}, false},
		{VM{VMID: "1", State: VMStateStarting, Jobs: JobIDSet{"j1": {}}}, false},
		{VM{VMID: "1", State: VMStateStopping, Jobs: JobIDSet{"j1": {}}}, false},
		{VM{VMID: "1", State: VMStateReady, Jobs: JobIDSet{}}, false},
	} {
		err := trial.vm.Validate()
		if trial.ok {
			c.Check(err, check.IsNil, check.Commentf("%+v", trial.vm))
		} else {
			c.Check(err, check.NotNil, check.Commentf("%+v", trial.vm))
		}
	}
}

func (s *VMSuite) TestCopyIsIndependent(c *check.C) {
	vm := VM{VMID: "7", State: VMStateReady, NodeName: "node7", Jobs: JobIDSet{"j1": {}}}
	dup := vm.Copy()
	dup.Jobs.Add("j2")
	dup.State = VMStateStopping
	c.Check(vm.Jobs.Has("j2"), check.Equals, false)
	c.Check(vm.State, check.Equals, VMStateReady)
}

func (s *VMSuite) TestAuthTokenNotMarshalled(c *check.C) {
	vm := VM{VMID: "7", State: VMStateStarting, AuthToken: "sekrit", Jobs: JobIDSet{}}
	buf, err := json.Marshal(vm)
	c.Check(err, check.IsNil)
	c.Check(strings.Contains(string(buf), "sekrit"), check.Equals, false)
}
