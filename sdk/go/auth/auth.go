// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts bearer tokens from HTTP requests.
package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// Credentials are the tokens supplied by a client.
type Credentials struct {
	Tokens []string
}

// CredentialsFromRequest returns the credentials found in the headers
// and query string of an http request.
//
// Leading and trailing whitespace is trimmed from each token, in case
// it was added inadvertently during copy/paste.
func CredentialsFromRequest(r *http.Request) *Credentials {
	c := &Credentials{}

	// "Authorization: Bearer ..." header (typically used by smart
	// API clients).
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && toks[0] == "Bearer" {
		c.Tokens = append(c.Tokens, strings.TrimSpace(toks[1]))
	}

	// Query string. It's generally not a good idea to pass tokens
	// around this way, but it is an easy way to hand a narrowly
	// scoped token to a shell script.
	//
	// ParseQuery always returns a non-nil map which might have
	// valid parameters, even when a decoding error causes it to
	// return a non-nil err. We ignore err; the caller is expected
	// to parse the query string for application-specific purposes
	// anyway, and will find/report decoding errors in a suitable
	// way.
	qvalues, _ := url.ParseQuery(r.URL.RawQuery)
	for _, token := range qvalues["api_token"] {
		c.Tokens = append(c.Tokens, strings.TrimSpace(token))
	}

	return c
}
