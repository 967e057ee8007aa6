package msgcache

import (
	"errors"
	"fmt"
)

// Admission rejection reasons. They are wrapped in a *RejectError and can
// be matched with errors.Is.
var (
	ErrNilItem          = errors.New("nil header or block")
	ErrWrongHeight      = errors.New("height does not extend the tip")
	ErrBadGenesis       = errors.New("genesis must have a zero previous hash")
	ErrPrevMismatch     = errors.New("previous hash does not match tip")
	ErrChainLookup      = errors.New("chain header lookup failed")
	ErrEmptyHeader      = errors.New("header declares no transactions or zero size")
	ErrEmptyBlock       = errors.New("block has no transactions")
	ErrMalformedTx      = errors.New("transaction has neither inputs nor outputs")
	ErrMerkleMismatch   = errors.New("merkle root mismatch")
	ErrBadSignature     = errors.New("signature missing or invalid")
	ErrDuplicateHeader  = errors.New("header already cached at height")
	ErrStale            = errors.New("height already in chain")
	ErrForkedParent     = errors.New("parent at previous height has a different hash")
	ErrHeaderGap        = errors.New("header cache gap")
)

// Kind says what was being admitted.
type Kind uint8

const (
	KindHeader Kind = iota + 1
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindBlock:
		return "block"
	}
	return "unknown"
}

// RejectError reports a header or block that was not admitted. It is a
// local decision about one item: the connection that delivered it stays
// up and the caller keeps processing packets.
type RejectError struct {
	Kind   Kind
	Height int64
	Reason error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s rejected at height %d: %v", e.Kind, e.Height, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return e.Reason
}

func rejectHeader(height int64, reason error) error {
	return &RejectError{Kind: KindHeader, Height: height, Reason: reason}
}

func rejectBlock(height int64, reason error) error {
	return &RejectError{Kind: KindBlock, Height: height, Reason: reason}
}

// IsReject reports whether err is an admission rejection.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}
