package packet

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// InvType names the kind of object an inventory vector refers to.
type InvType uint32

const (
	InvTx InvType = iota + 1
	InvBlock
)

func (t InvType) String() string {
	switch t {
	case InvTx:
		return "tx"
	case InvBlock:
		return "block"
	}
	return fmt.Sprintf("inv(%d)", uint32(t))
}

// InvVectSize is the encoded size of one inventory vector.
const InvVectSize = 4 + types.HashSize

// InvVect is a typed object hash.
type InvVect struct {
	Type InvType
	Hash types.Hash
}

// Size bounds below which no encoded header or block can be.
const (
	minHeaderSize = block.SigningSize + wire.LengthPrefixSize
	minBlockSize  = minHeaderSize + wire.LengthPrefixSize
)

// Inventory announces objects the sender has.
type Inventory struct {
	Items []InvVect
}

func (*Inventory) body() {}
func (*Inventory) Command() Command { return CmdInventory }

// Size implements wire.Serializable.
func (m *Inventory) Size() int { return invListSize(m.Items) }

// Serialize implements wire.Serializable.
func (m *Inventory) Serialize(w *wire.Writer) { writeInvList(w, m.Items) }

// Deserialize implements wire.Serializable.
func (m *Inventory) Deserialize(r *wire.Reader) { m.Items = readInvList(r, "inventory") }

// NotFound lists requested objects the sender does not have.
type NotFound struct {
	Items []InvVect
}

func (*NotFound) body() {}
func (*NotFound) Command() Command { return CmdNotFound }

// Size implements wire.Serializable.
func (m *NotFound) Size() int { return invListSize(m.Items) }

// Serialize implements wire.Serializable.
func (m *NotFound) Serialize(w *wire.Writer) { writeInvList(w, m.Items) }

// Deserialize implements wire.Serializable.
func (m *NotFound) Deserialize(r *wire.Reader) { m.Items = readInvList(r, "notfound") }

// GetBlocks requests full blocks by hash.
type GetBlocks struct {
	Hashes []types.Hash
}

func (*GetBlocks) body() {}
func (*GetBlocks) Command() Command { return CmdGetBlocks }

// Size implements wire.Serializable.
func (m *GetBlocks) Size() int { return hashListSize(m.Hashes) }

// Serialize implements wire.Serializable.
func (m *GetBlocks) Serialize(w *wire.Writer) { writeHashList(w, m.Hashes) }

// Deserialize implements wire.Serializable.
func (m *GetBlocks) Deserialize(r *wire.Reader) {
	m.Hashes = readHashList(r, "getblocks", config.MaxBlocksPerPacket)
}

// GetTxs requests transactions by hash.
type GetTxs struct {
	Hashes []types.Hash
}

func (*GetTxs) body() {}
func (*GetTxs) Command() Command { return CmdGetTxs }

// Size implements wire.Serializable.
func (m *GetTxs) Size() int { return hashListSize(m.Hashes) }

// Serialize implements wire.Serializable.
func (m *GetTxs) Serialize(w *wire.Writer) { writeHashList(w, m.Hashes) }

// Deserialize implements wire.Serializable.
func (m *GetTxs) Deserialize(r *wire.Reader) {
	m.Hashes = readHashList(r, "gettxs", config.MaxInventoryPerPacket)
}

// Pool lists the hashes of the sender's pending transactions.
type Pool struct {
	Hashes []types.Hash
}

func (*Pool) body() {}
func (*Pool) Command() Command { return CmdPool }

// Size implements wire.Serializable.
func (m *Pool) Size() int { return hashListSize(m.Hashes) }

// Serialize implements wire.Serializable.
func (m *Pool) Serialize(w *wire.Writer) { writeHashList(w, m.Hashes) }

// Deserialize implements wire.Serializable.
func (m *Pool) Deserialize(r *wire.Reader) {
	m.Hashes = readHashList(r, "pool", config.MaxInventoryPerPacket)
}

// GetPool asks for a Pool. It has an empty body.
type GetPool struct{}

func (*GetPool) body() {}
func (*GetPool) Command() Command { return CmdGetPool }
func (*GetPool) Size() int { return 0 }

// Serialize implements wire.Serializable.
func (*GetPool) Serialize(*wire.Writer) {}

// Deserialize implements wire.Serializable.
func (*GetPool) Deserialize(*wire.Reader) {}

// GetHeaders requests Count headers starting at height Start.
type GetHeaders struct {
	Start int64
	Count uint32
}

func (*GetHeaders) body() {}
func (*GetHeaders) Command() Command { return CmdGetHeaders }
func (*GetHeaders) Size() int { return 8 + 4 }

// Serialize implements wire.Serializable.
func (m *GetHeaders) Serialize(w *wire.Writer) {
	w.WriteInt64(m.Start)
	w.WriteUint32(m.Count)
}

// Deserialize implements wire.Serializable.
func (m *GetHeaders) Deserialize(r *wire.Reader) {
	m.Start = r.ReadInt64()
	m.Count = r.ReadUint32()
}

// Headers carries block headers in ascending height order.
type Headers struct {
	Headers []*block.Header
}

func (*Headers) body() {}
func (*Headers) Command() Command { return CmdHeaders }

// Size implements wire.Serializable.
func (m *Headers) Size() int {
	n := wire.LengthPrefixSize
	for _, h := range m.Headers {
		n += h.Size()
	}
	return n
}

// Serialize implements wire.Serializable.
func (m *Headers) Serialize(w *wire.Writer) {
	w.WriteCount(len(m.Headers))
	for _, h := range m.Headers {
		h.Serialize(w)
	}
}

// Deserialize implements wire.Serializable.
func (m *Headers) Deserialize(r *wire.Reader) {
	n := r.ReadCount(minHeaderSize)
	if !checkCount(r, "headers", n, config.MaxHeadersPerPacket) {
		return
	}
	m.Headers = make([]*block.Header, n)
	for i := range m.Headers {
		h := new(block.Header)
		h.Deserialize(r)
		m.Headers[i] = h
	}
}

// Blocks carries full blocks.
type Blocks struct {
	Blocks []*block.Block
}

func (*Blocks) body() {}
func (*Blocks) Command() Command { return CmdBlocks }

// Size implements wire.Serializable.
func (m *Blocks) Size() int {
	n := wire.LengthPrefixSize
	for _, b := range m.Blocks {
		n += b.Size()
	}
	return n
}

// Serialize implements wire.Serializable.
func (m *Blocks) Serialize(w *wire.Writer) {
	w.WriteCount(len(m.Blocks))
	for _, b := range m.Blocks {
		b.Serialize(w)
	}
}

// Deserialize implements wire.Serializable.
func (m *Blocks) Deserialize(r *wire.Reader) {
	n := r.ReadCount(minBlockSize)
	if !checkCount(r, "blocks", n, config.MaxBlocksPerPacket) {
		return
	}
	m.Blocks = make([]*block.Block, n)
	for i := range m.Blocks {
		b := new(block.Block)
		b.Deserialize(r)
		m.Blocks[i] = b
	}
}

// Txs carries full transactions.
type Txs struct {
	Txs []*tx.Transaction
}

func (*Txs) body() {}
func (*Txs) Command() Command { return CmdTxs }

// Size implements wire.Serializable.
func (m *Txs) Size() int {
	n := wire.LengthPrefixSize
	for _, t := range m.Txs {
		n += t.Size()
	}
	return n
}

// Serialize implements wire.Serializable.
func (m *Txs) Serialize(w *wire.Writer) {
	w.WriteCount(len(m.Txs))
	for _, t := range m.Txs {
		t.Serialize(w)
	}
}

// Deserialize implements wire.Serializable.
func (m *Txs) Deserialize(r *wire.Reader) {
	n := r.ReadCount(tx.MinSize)
	if !checkCount(r, "txs", n, config.MaxInventoryPerPacket) {
		return
	}
	m.Txs = make([]*tx.Transaction, n)
	for i := range m.Txs {
		t := new(tx.Transaction)
		t.Deserialize(r)
		m.Txs[i] = t
	}
}

// SendBlock pushes a single newly produced block.
type SendBlock struct {
	Block *block.Block
}

func (*SendBlock) body() {}
func (*SendBlock) Command() Command { return CmdSendBlock }

// Size implements wire.Serializable.
func (m *SendBlock) Size() int {
	if m.Block == nil {
		return 0
	}
	return m.Block.Size()
}

// Serialize implements wire.Serializable.
func (m *SendBlock) Serialize(w *wire.Writer) {
	if m.Block == nil {
		w.SetErr(block.ErrNilHeader)
		return
	}
	m.Block.Serialize(w)
}

// Deserialize implements wire.Serializable.
func (m *SendBlock) Deserialize(r *wire.Reader) {
	m.Block = new(block.Block)
	m.Block.Deserialize(r)
}

var errNilTx = errors.New("sendtx: nil transaction")

// SendTx pushes a single transaction.
type SendTx struct {
	Tx *tx.Transaction
}

func (*SendTx) body() {}
func (*SendTx) Command() Command { return CmdSendTx }

// Size implements wire.Serializable.
func (m *SendTx) Size() int {
	if m.Tx == nil {
		return 0
	}
	return m.Tx.Size()
}

// Serialize implements wire.Serializable.
func (m *SendTx) Serialize(w *wire.Writer) {
	if m.Tx == nil {
		w.SetErr(errNilTx)
		return
	}
	m.Tx.Serialize(w)
}

// Deserialize implements wire.Serializable.
func (m *SendTx) Deserialize(r *wire.Reader) {
	m.Tx = new(tx.Transaction)
	m.Tx.Deserialize(r)
}

// RejectCode classifies a Reject.
type RejectCode uint8

const (
	RejectMalformed RejectCode = iota + 1
	RejectInvalid
	RejectDuplicate
	RejectObsolete
)

// MaxRejectReason bounds the reason string of a Reject.
const MaxRejectReason = 256

// Reject tells a peer that an object it sent was not admitted.
type Reject struct {
	Rejected Command
	Code     RejectCode
	Reason   string
	Hash     types.Hash
}

func (*Reject) body() {}

// Command returns CmdReject. The rejected command is the Rejected field.
func (*Reject) Command() Command { return CmdReject }

// Size implements wire.Serializable.
func (m *Reject) Size() int {
	return 1 + 1 + wire.LengthPrefixSize + len(m.Reason) + types.HashSize
}

// Serialize implements wire.Serializable.
func (m *Reject) Serialize(w *wire.Writer) {
	w.WriteUint8(uint8(m.Rejected))
	w.WriteUint8(uint8(m.Code))
	w.WriteString(m.Reason)
	w.WriteHash(m.Hash)
}

// Deserialize implements wire.Serializable.
func (m *Reject) Deserialize(r *wire.Reader) {
	m.Rejected = Command(r.ReadUint8())
	m.Code = RejectCode(r.ReadUint8())
	m.Reason = r.ReadString(MaxRejectReason)
	m.Hash = r.ReadHash()
}

// MaxAlertSize bounds each field of an Alert.
const MaxAlertSize = 4096

// Alert is a network-wide notice signed by a minter key.
type Alert struct {
	Message   []byte
	Signature []byte
}

func (*Alert) body() {}
func (*Alert) Command() Command { return CmdAlert }

// Size implements wire.Serializable.
func (m *Alert) Size() int {
	return 2*wire.LengthPrefixSize + len(m.Message) + len(m.Signature)
}

// Serialize implements wire.Serializable.
func (m *Alert) Serialize(w *wire.Writer) {
	w.WriteVarBytes(m.Message)
	w.WriteVarBytes(m.Signature)
}

// Deserialize implements wire.Serializable.
func (m *Alert) Deserialize(r *wire.Reader) {
	m.Message = r.ReadVarBytes(MaxAlertSize)
	m.Signature = r.ReadVarBytes(MaxAlertSize)
}

func invListSize(items []InvVect) int {
	return wire.LengthPrefixSize + len(items)*InvVectSize
}

func writeInvList(w *wire.Writer, items []InvVect) {
	w.WriteCount(len(items))
	for _, it := range items {
		w.WriteUint32(uint32(it.Type))
		w.WriteHash(it.Hash)
	}
}

func readInvList(r *wire.Reader, op string) []InvVect {
	n := r.ReadCount(InvVectSize)
	if !checkCount(r, op, n, config.MaxInventoryPerPacket) {
		return nil
	}
	items := make([]InvVect, n)
	for i := range items {
		items[i].Type = InvType(r.ReadUint32())
		items[i].Hash = r.ReadHash()
	}
	return items
}

func hashListSize(hashes []types.Hash) int {
	return wire.LengthPrefixSize + len(hashes)*types.HashSize
}

func writeHashList(w *wire.Writer, hashes []types.Hash) {
	w.WriteCount(len(hashes))
	for _, h := range hashes {
		w.WriteHash(h)
	}
}

func readHashList(r *wire.Reader, op string, max int) []types.Hash {
	n := r.ReadCount(types.HashSize)
	if !checkCount(r, op, n, max) {
		return nil
	}
	hashes := make([]types.Hash, n)
	for i := range hashes {
		hashes[i] = r.ReadHash()
	}
	return hashes
}
