package gwtypes

import (
	"errors"
	"fmt"
	"testing"
)

func TestJSONRPCCodeTable(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{ErrInvalidParams, -32602},
		{ErrMethodNotFound, -32601},
		{ErrToolNotFound, -32001},
		{ErrToolTimeout, -32002},
		{ErrServiceNotConnected, -32003},
		{ErrUpstreamError, -32000},
		{ErrAlreadyConnecting, -32010},
		{ErrConfigInvalid, -32020},
		{ErrNotSupported, 501},
		{errors.New("unmapped"), -32603},
	}
	for _, c := range cases {
		if got := JSONRPCCode(c.err); got != c.code {
			t.Errorf("JSONRPCCode(%v) = %d, want %d", c.err, got, c.code)
		}
	}
}

func TestJSONRPCCodeUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", ErrToolTimeout)
	if got := JSONRPCCode(wrapped); got != -32002 {
		t.Errorf("JSONRPCCode(wrapped) = %d, want -32002", got)
	}
}
