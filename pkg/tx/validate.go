package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// Validation errors.
var (
	ErrNoInputs           = errors.New("transaction has no inputs")
	ErrNoOutputs          = errors.New("transaction has no outputs")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrOutputOverflow     = errors.New("output values overflow")
	ErrZeroOutput         = errors.New("output value is zero")
	ErrMissingPubKey      = errors.New("input missing public key")
	ErrMissingSig         = errors.New("input missing signature")
	ErrInvalidSig         = errors.New("invalid signature")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrTooManyOutputs     = errors.New("too many outputs")
	ErrScriptDataTooLarge = errors.New("script data too large")
)

// Validate checks the structural rules a relayed transaction must meet.
// Spent outputs are not looked up.
func (tx *Transaction) Validate() error {
	switch {
	case len(tx.Inputs) == 0:
		return ErrNoInputs
	case len(tx.Outputs) == 0:
		return ErrNoOutputs
	case len(tx.Inputs) > config.MaxTxInputs:
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), config.MaxTxInputs)
	case len(tx.Outputs) > config.MaxTxOutputs:
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), config.MaxTxOutputs)
	}
	if err := tx.checkInputs(); err != nil {
		return err
	}
	_, err := tx.outputSum()
	return err
}

func (tx *Transaction) checkInputs() error {
	seen := make(map[types.Outpoint]struct{}, len(tx.Inputs))
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if _, dup := seen[in.PrevOut]; dup {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = struct{}{}

		if in.PrevOut.IsZero() {
			continue // coinbase
		}
		switch {
		case len(in.PubKey) == 0:
			return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
		case len(in.Signature) == 0:
			return fmt.Errorf("input %d: %w", i, ErrMissingSig)
		}
	}
	return nil
}

// outputSum totals output values, rejecting empty, oversized or overflowing outputs.
func (tx *Transaction) outputSum() (uint64, error) {
	var sum uint64
	for i, out := range tx.Outputs {
		if out.Value == 0 {
			return 0, fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if n := len(out.Script); n > config.MaxScriptData {
			return 0, fmt.Errorf("output %d: %w: %d bytes, max %d", i, ErrScriptDataTooLarge, n, config.MaxScriptData)
		}
		if out.Value > math.MaxUint64-sum {
			return 0, fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		sum += out.Value
	}
	return sum, nil
}

// VerifySignatures checks every non-coinbase input signature against the
// transaction hash.
func (tx *Transaction) VerifySignatures() error {
	hash := tx.Hash()
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if !in.PrevOut.IsZero() && !crypto.VerifySignature(hash[:], in.Signature, in.PubKey) {
			return fmt.Errorf("input %d: %w", i, ErrInvalidSig)
		}
	}
	return nil
}
