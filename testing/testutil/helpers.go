// Package testutil provides shared utilities for benchmarks and fuzz tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/melsec"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

// TestTimeout is the default timeout for test operations.
const TestTimeout = 5 * time.Second

// ContextWithTimeout returns a context with the default test timeout.
func ContextWithTimeout(tb testing.TB) (context.Context, context.CancelFunc) {
	tb.Helper()
	return context.WithTimeout(context.Background(), TestTimeout)
}

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(tb testing.TB, err error, msgAndArgs ...interface{}) {
	tb.Helper()
	if err != nil {
		if len(msgAndArgs) > 0 {
			tb.Fatalf("unexpected error: %v - %v", err, msgAndArgs)
		}
		tb.Fatalf("unexpected error: %v", err)
	}
}

// StartSimulator starts an in-process PLC on a free port and closes it
// when the test ends.
func StartSimulator(tb testing.TB, variant domain.ProtocolVariant) *melsec.Simulator {
	tb.Helper()
	sim, err := melsec.NewSimulator("127.0.0.1:0", variant, zerolog.Nop())
	RequireNoError(tb, err, "start simulator")
	tb.Cleanup(func() { _ = sim.Close() })
	return sim
}

// ConnectClient dials the simulator with a single client.
func ConnectClient(tb testing.TB, sim *melsec.Simulator) *melsec.Client {
	tb.Helper()
	c := melsec.NewClient(sim.Descriptor("PLC1"), melsec.DefaultMaxGap, zerolog.Nop())
	ctx, cancel := ContextWithTimeout(tb)
	defer cancel()
	RequireNoError(tb, c.Connect(ctx), "connect client")
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

// WordRegisters returns n consecutive INT16 requests starting at D<start>.
func WordRegisters(start, n int) []domain.RegisterRequest {
	reqs := make([]domain.RegisterRequest, n)
	for i := range reqs {
		reqs[i] = domain.RegisterRequest{Type: domain.RegisterD, Address: start + i, Count: 1, DataType: domain.DataTypeInt16}
	}
	return reqs
}

// MakePollResult builds a result with n good INT16 values.
func MakePollResult(deviceCode, groupID string, n int) *domain.PollResult {
	values := make(map[string]interface{}, n)
	for i := 0; i < n; i++ {
		values[fmt.Sprintf("D%d", i)] = int16(i)
	}
	return domain.NewPollResult(deviceCode, groupID, time.Now(), time.Millisecond, values, nil)
}
