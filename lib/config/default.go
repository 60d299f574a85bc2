// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import _ "embed"

//go:embed config.default.yml
var DefaultYAML []byte
