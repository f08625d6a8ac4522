// SPDX-License-Identifier: MIT

package services

import (
	"context"
	"time"
)

// ConnectivityResult is one service's outcome for the test-connectivity
// endpoint.
type ConnectivityResult struct {
	Service string `json:"service"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ConnectionTester is anything with a TestConnection method; all clients
// qualify.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// TestConnectivity probes each named tester with a short per-service
// deadline and collects results.
func TestConnectivity(ctx context.Context, testers map[string]ConnectionTester) []ConnectivityResult {
	out := make([]ConnectivityResult, 0, len(testers))
	for name, tester := range testers {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := tester.TestConnection(probeCtx)
		cancel()
		res := ConnectivityResult{Service: name, Success: err == nil, Message: "connection ok"}
		if err != nil {
			res.Message = "connection failed"
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}
