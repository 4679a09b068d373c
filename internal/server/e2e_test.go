package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
)

func newExpect(t *testing.T) *httpexpect.Expect {
	t.Helper()
	srv := httptest.NewServer(NewRouter(testDependencies(t)))
	t.Cleanup(srv.Close)
	return httpexpect.Default(t, srv.URL)
}

func TestEndToEndChatCompletion(t *testing.T) {
	e := newExpect(t)

	obj := e.POST("/v1/chat/completions").
		WithHeader("Authorization", "Bearer test-key").
		WithHeader("x-srg-tenant-id", "tenant-a").
		WithHeader("x-srg-user-id", "user-1").
		WithHeader("x-srg-classification", "phi").
		WithJSON(map[string]any{
			"model":      "gpt-x",
			"messages":   []map[string]string{{"role": "user", "content": "hello patient DOB 01/01/1990"}},
			"max_tokens": 100,
		}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	obj.Value("object").String().IsEqual("chat.completion")
	obj.Value("usage").Object().Value("total_tokens").Number().Ge(1)
	obj.Value("choices").Array().Length().IsEqual(1)
}

func TestEndToEndRequestIDHeaderRoundTrips(t *testing.T) {
	e := newExpect(t)

	resp := e.GET("/healthz").
		WithHeader("x-request-id", "req-fixed").
		Expect().
		Status(http.StatusOK)
	resp.Header("x-request-id").IsEqual("req-fixed")
	resp.JSON().Object().Value("status").String().IsEqual("ok")
}

func TestEndToEndAuthFailureEnvelope(t *testing.T) {
	e := newExpect(t)

	e.POST("/v1/embeddings").
		WithHeader("Authorization", "Bearer wrong-key").
		WithHeader("x-srg-tenant-id", "tenant-a").
		WithHeader("x-srg-user-id", "user-1").
		WithHeader("x-srg-classification", "public").
		WithJSON(map[string]any{"model": "gpt-x", "input": "hello"}).
		Expect().
		Status(http.StatusUnauthorized).
		JSON().Object().
		Value("error").Object().
		Value("code").String().IsEqual("auth_invalid")
}

func TestEndToEndReadyzReportsDependencies(t *testing.T) {
	e := newExpect(t)

	obj := e.GET("/readyz").Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("status").String().IsEqual("ready")
	deps := obj.Value("dependencies").Object()
	deps.Value("policy_schema").String().IsEqual("ok")
	deps.Value("audit_schema").String().IsEqual("ok")
	deps.Value("provider").String().IsEqual("ok")
}
