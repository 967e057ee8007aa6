package consensus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// PoA errors.
var (
	ErrNoMinters    = errors.New("no minters configured")
	ErrNotMinter    = errors.New("signer is not an authorized minter")
	ErrMissingSig   = errors.New("block missing minter signature")
	ErrInvalidSig   = errors.New("invalid minter signature")
	ErrNoSigner     = errors.New("no signer configured")
	ErrNilHeader    = errors.New("nil header")
	ErrNotFinalized = errors.New("block header not finalized")
)

// PoA implements proof-of-authority consensus.
// Authorized minters take turns signing blocks.
type PoA struct {
	mu sync.RWMutex

	// minters is the set of authorized public keys (compressed, 33 bytes).
	minters [][]byte

	// genesisMinters is the original set from genesis. They cannot be removed.
	genesisMinters [][]byte

	// signer is the local minter key (nil if this node does not mint).
	signer *crypto.PrivateKey
}

// NewPoA creates a new PoA engine with the given minter public keys.
func NewPoA(minters [][]byte) (*PoA, error) {
	if len(minters) == 0 {
		return nil, ErrNoMinters
	}
	set := make([][]byte, len(minters))
	copy(set, minters)
	genesis := make([][]byte, len(minters))
	copy(genesis, minters)
	return &PoA{
		minters:        set,
		genesisMinters: genesis,
	}, nil
}

// SetSigner sets the local minter key for block sealing.
func (p *PoA) SetSigner(key *crypto.PrivateKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isMinter(key.PublicKey()) {
		return ErrNotMinter
	}
	p.signer = key
	return nil
}

// Signer returns the current signer key, or nil if not set.
func (p *PoA) Signer() *crypto.PrivateKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signer
}

// Minters returns a copy of the authorized key set.
func (p *PoA) Minters() [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([][]byte(nil), p.minters...)
}

// VerifyHeader checks that the header carries a valid signature from any
// authorized minter. Turn order is not enforced here: the minter only uses
// it to decide when to produce.
func (p *PoA) VerifyHeader(header *block.Header) error {
	if header == nil {
		return ErrNilHeader
	}
	if len(header.Signature) == 0 {
		return ErrMissingSig
	}
	if p.IdentifySigner(header) == nil {
		return ErrInvalidSig
	}
	return nil
}

// Seal signs the block with the local minter key. The header must already
// be finalized since the signature covers NumTxs, BlockSize and MerkleRoot.
func (p *PoA) Seal(blk *block.Block) error {
	signer := p.Signer()
	if signer == nil {
		return ErrNoSigner
	}
	if blk.Header == nil {
		return ErrNilHeader
	}
	if blk.Header.NumTxs == 0 {
		return ErrNotFinalized
	}
	sig, err := signer.SignHash(blk.Header.Hash())
	if err != nil {
		return fmt.Errorf("seal block: %w", err)
	}
	blk.Header.Signature = sig
	return nil
}

// isMinter checks if the given public key is in the minter set.
func (p *PoA) isMinter(pubKey []byte) bool {
	for _, v := range p.minters {
		if bytes.Equal(v, pubKey) {
			return true
		}
	}
	return false
}

// IsMinter checks if the given public key is in the minter set.
func (p *PoA) IsMinter(pubKey []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isMinter(pubKey)
}

// AddMinter authorizes an additional key.
func (p *PoA) AddMinter(pubKey []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isMinter(pubKey) {
		p.minters = append(p.minters, pubKey)
	}
}

// RemoveMinter removes a non-genesis minter. Genesis minters cannot be removed.
func (p *PoA) RemoveMinter(pubKey []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.genesisMinters {
		if bytes.Equal(g, pubKey) {
			return
		}
	}
	for i, v := range p.minters {
		if bytes.Equal(v, pubKey) {
			p.minters = append(p.minters[:i], p.minters[i+1:]...)
			return
		}
	}
}

// SelectMinter returns the minter whose turn it is at height on top of
// prevHash. BLAKE3(prevHash || height) seeds the choice.
func (p *PoA) SelectMinter(height int64, prevHash types.Hash) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return selectFromSet(p.minters, height, prevHash)
}

func selectFromSet(minters [][]byte, height int64, prevHash types.Hash) []byte {
	if len(minters) == 0 {
		return nil
	}
	if len(minters) == 1 {
		return minters[0]
	}

	var buf [types.HashSize + 8]byte
	copy(buf[:types.HashSize], prevHash[:])
	binary.LittleEndian.PutUint64(buf[types.HashSize:], uint64(height))
	seed := crypto.Hash(buf[:])

	idx := binary.LittleEndian.Uint64(seed[:8]) % uint64(len(minters))
	return minters[idx]
}

// IdentifySigner returns the public key of the minter that signed the
// header, or nil if none matches. Schnorr signatures do not support key
// recovery, so every minter key is tried.
func (p *PoA) IdentifySigner(header *block.Header) []byte {
	p.mu.RLock()
	minters := append([][]byte(nil), p.minters...)
	p.mu.RUnlock()

	if len(header.Signature) == 0 {
		return nil
	}
	hash := header.Hash()
	for _, pub := range minters {
		if crypto.VerifyHash(hash, header.Signature, pub) {
			return pub
		}
	}
	return nil
}

// IsSelected reports whether the local signer is the selected minter
// for height on top of prevHash.
func (p *PoA) IsSelected(height int64, prevHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.signer == nil {
		return false
	}
	return bytes.Equal(selectFromSet(p.minters, height, prevHash), p.signer.PublicKey())
}
