package main

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// Calc is the handler served by "easyrpc serve".
type Calc struct{}

func (*Calc) Add(a, b int) int { return a + b }
func (*Calc) Sub(a, b int) int { return a - b }
func (*Calc) Mul(a, b int) int { return a * b }

func (*Calc) Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("divide by zero")
	}
	return a / b, nil
}

func (*Calc) Echo(s string) string { return s }

// Sleep waits ms milliseconds or until the call is cancelled.
func (*Calc) Sleep(ctx context.Context, ms int) error {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
