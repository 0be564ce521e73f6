package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w
	resultCh := make(chan struct {
		data string
		err  error
	})
	go func() {
		data, err := io.ReadAll(r)
		resultCh <- struct {
			data string
			err  error
		}{data: string(data), err: err}
	}()
	fn()
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	os.Stdout = old
	result := <-resultCh
	if err := r.Close(); err != nil {
		t.Fatalf("failed to close reader: %v", err)
	}
	if result.err != nil {
		t.Fatalf("failed to read stdout: %v", result.err)
	}
	return result.data
}

func TestGetBalanceDialErrorIncludesEndpointAndCause(t *testing.T) {
	originalEndpoint := rpcEndpoint
	rpcEndpoint = "http://test.invalid"
	defer func() { rpcEndpoint = originalEndpoint }()

	originalClient := http.DefaultClient
	http.DefaultClient = &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp 127.0.0.1:8080: connect: connection refused (test stub)")
	})}
	defer func() { http.DefaultClient = originalClient }()

	output := captureStdout(t, func() {
		getBalance("crd1testaddress")
	})

	if !strings.Contains(output, "POST http://test.invalid") {
		t.Fatalf("expected output to include endpoint, got %q", output)
	}
	if !strings.Contains(output, "connection refused (test stub)") {
		t.Fatalf("expected output to include underlying error, got %q", output)
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	originalEndpoint := rpcEndpoint
	defer func() { rpcEndpoint = originalEndpoint }()

	args, err := applyGlobalFlags([]string{"--rpc", "http://10.0.0.1:9000", "status"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rpcEndpoint != "http://10.0.0.1:9000" {
		t.Fatalf("unexpected endpoint: %s", rpcEndpoint)
	}
	if len(args) != 1 || args[0] != "status" {
		t.Fatalf("unexpected remaining args: %v", args)
	}

	args, err = applyGlobalFlags([]string{"--rpc=http://10.0.0.2:9000", "balance", "crd1addr"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rpcEndpoint != "http://10.0.0.2:9000" {
		t.Fatalf("unexpected endpoint: %s", rpcEndpoint)
	}
	if len(args) != 2 || args[0] != "balance" {
		t.Fatalf("unexpected remaining args: %v", args)
	}

	if _, err := applyGlobalFlags([]string{"--rpc"}); err == nil {
		t.Fatal("expected error for missing --rpc value")
	}
}

func TestDoRPCRequestRequiresTokenForPrivilegedCalls(t *testing.T) {
	originalToken := rpcAuthToken
	rpcAuthToken = ""
	defer func() { rpcAuthToken = originalToken }()

	if _, err := doRPCRequest([]byte(`{}`), true); err == nil || !strings.Contains(err.Error(), "CREDIT_RPC_TOKEN") {
		t.Fatalf("expected missing-token error, got %v", err)
	}
}

func TestDoRPCRequestAttachesBearerToken(t *testing.T) {
	originalToken := rpcAuthToken
	rpcAuthToken = " cli-test-token "
	defer func() { rpcAuthToken = originalToken }()

	originalClient := http.DefaultClient
	var gotAuth string
	http.DefaultClient = &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		gotAuth = req.Header.Get("Authorization")
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{}`)), Header: make(http.Header)}, nil
	})}
	defer func() { http.DefaultClient = originalClient }()

	resp, err := doRPCRequest([]byte(`{}`), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if gotAuth != "Bearer cli-test-token" {
		t.Fatalf("unexpected Authorization header: %q", gotAuth)
	}
}
