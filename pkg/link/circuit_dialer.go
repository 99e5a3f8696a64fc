package link

import (
	"context"
	"io"

	"github.com/securesocketfunneling/ssf-sub002/pkg/address"
)

// CircuitDialer adapts Connect to circuit.Dialer, letting a relay hop
// open its next-hop link without the circuit package needing to know
// about TLS at all.
type CircuitDialer struct {
	Opt DialerOptions
}

// Dial implements circuit.Dialer.
func (d CircuitDialer) Dial(stack address.Stack) (io.ReadWriteCloser, error) {
	l, err := Connect(context.Background(), stack, d.Opt)
	if err != nil {
		return nil, err
	}
	return l, nil
}
