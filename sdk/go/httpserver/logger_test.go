// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spillway-project/spillway/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}

func (s *Suite) TestLogRequests(c *check.C) {
	captured := &bytes.Buffer{}
	log := ctxlog.New(captured, "json", "info")
	ctx := ctxlog.Context(context.Background(), log)

	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("hello world"))
	})
	req, err := http.NewRequest("GET", "https://foo.example/bar", nil)
	c.Assert(err, check.IsNil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4:12345")
	resp := httptest.NewRecorder()
	HandlerWithContext(ctx, AddRequestIDs(LogRequests(h))).ServeHTTP(resp, req)

	dec := json.NewDecoder(captured)

	gotReq := make(map[string]interface{})
	err = dec.Decode(&gotReq)
	c.Assert(err, check.IsNil)
	c.Logf("%#v", gotReq)
	c.Check(gotReq["RequestID"], check.Matches, "req-[a-z0-9]+")
	c.Check(gotReq["reqForwardedFor"], check.Equals, "1.2.3.4:12345")
	c.Check(gotReq["msg"], check.Equals, "request")

	gotResp := make(map[string]interface{})
	err = dec.Decode(&gotResp)
	c.Assert(err, check.IsNil)
	c.Logf("%#v", gotResp)
	c.Check(gotResp["RequestID"], check.Equals, gotReq["RequestID"])
	c.Check(gotResp["reqForwardedFor"], check.Equals, "1.2.3.4:12345")
	c.Check(gotResp["respStatusCode"], check.Equals, float64(http.StatusOK))
	c.Check(gotResp["respBytes"], check.Equals, float64(len("hello world")))
	c.Check(gotResp["msg"], check.Equals, "response")

	c.Assert(gotResp["time"], check.FitsTypeOf, "")
	_, err = time.Parse(time.RFC3339Nano, gotResp["time"].(string))
	c.Check(err, check.IsNil)

	for _, key := range []string{"timeToStatus", "timeWriteBody", "timeTotal"} {
		c.Assert(gotResp[key], check.FitsTypeOf, float64(0))
	}
}

func (s *Suite) TestMetricsAPI(c *check.C) {
	log := ctxlog.New(&bytes.Buffer{}, "json", "info")
	ctx := ctxlog.Context(context.Background(), log)

	next := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	inst := Instrument(nil, log, AddRequestIDs(LogRequests(next)))
	srv := HandlerWithContext(ctx, inst.ServeAPI("tokensecret", inst))

	// Traffic through the stack is served by next, and counted.
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, httptest.NewRequest("GET", "/foo", nil))
	c.Check(resp.Code, check.Equals, http.StatusTeapot)

	// Metrics are not served without the token.
	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, httptest.NewRequest("GET", "/metrics", nil))
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Authorization", "Bearer tokensecret")
	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*request_duration_seconds.*`)

	req = httptest.NewRequest("GET", "/metrics.json", nil)
	req.Header.Set("Authorization", "Bearer tokensecret")
	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	var mfs []map[string]interface{}
	c.Check(json.Unmarshal(resp.Body.Bytes(), &mfs), check.IsNil)
	c.Check(len(mfs) > 0, check.Equals, true)
}
