package executor

import (
	"fmt"

	"github.com/harvest-trading/harvest/internal/solana"
)

// ExecError is a transaction that was submitted and failed on chain, or a
// multi-step flow that failed after funds moved. Signatures and program logs
// are preserved so the operator can reconstruct the intermediate state.
type ExecError struct {
	Op         string
	PoolID     string
	Signatures []solana.Signature
	Logs       []string
	Err        error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("backend %s on %s: %v (sigs=%d)", e.Op, e.PoolID, e.Err, len(e.Signatures))
}

func (e *ExecError) Unwrap() error { return e.Err }
