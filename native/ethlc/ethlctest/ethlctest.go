// Package ethlctest builds committees, linked Ethereum headers and receipt
// proofs for tests of light client consumers.
package ethlctest

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	circuitcrypto "circuit/crypto"
	"circuit/native/ethlc"
	"circuit/native/proofs"
)

// Committee is a signer set with known private keys.
type Committee struct {
	Keys []*circuitcrypto.PrivateKey
}

// NewCommittee derives n members from fixed secrets offset by salt.
func NewCommittee(n int, salt byte) *Committee {
	c := &Committee{}
	for i := 0; i < n; i++ {
		secret := bytes.Repeat([]byte{salt + byte(i) + 1}, 32)
		key, err := circuitcrypto.PrivateKeyFromBytes(secret)
		if err != nil {
			panic(err)
		}
		c.Keys = append(c.Keys, key)
	}
	return c
}

// Members returns the member addresses in key order.
func (c *Committee) Members() []common.Address {
	out := make([]common.Address, 0, len(c.Keys))
	for _, k := range c.Keys {
		out = append(out, k.EthAddress())
	}
	return out
}

// Sign returns signatures of the first signers members over the update digest.
func (c *Committee) Sign(last common.Hash, next []common.Address, signers int) [][]byte {
	digest := ethlc.SigningDigest(last, next)
	sigs := make([][]byte, 0, signers)
	for _, k := range c.Keys[:signers] {
		sig, err := k.Sign(digest.Bytes())
		if err != nil {
			panic(err)
		}
		sigs = append(sigs, sig)
	}
	return sigs
}

// Header returns a header at number linked to parent.
func Header(parent common.Hash, number uint64, receiptsRoot common.Hash) *gethtypes.Header {
	return &gethtypes.Header{
		ParentHash:  parent,
		UncleHash:   gethtypes.EmptyUncleHash,
		Root:        common.BytesToHash([]byte{byte(number), 0xaa}),
		TxHash:      gethtypes.EmptyTxsHash,
		ReceiptHash: receiptsRoot,
		Difficulty:  big.NewInt(0),
		Number:      new(big.Int).SetUint64(number),
		GasLimit:    30_000_000,
		Time:        1_700_000_000 + number*12,
	}
}

// Chain returns n headers extending parent with empty receipts.
func Chain(parent *gethtypes.Header, n int) []*gethtypes.Header {
	out := make([]*gethtypes.Header, 0, n)
	for i := 0; i < n; i++ {
		h := Header(parent.Hash(), parent.Number.Uint64()+1, gethtypes.EmptyReceiptsHash)
		out = append(out, h)
		parent = h
	}
	return out
}

// Encode RLP encodes a header.
func Encode(h *gethtypes.Header) []byte {
	raw, err := rlp.EncodeToBytes(h)
	if err != nil {
		panic(err)
	}
	return raw
}

// Registration returns an encoded registration starting at checkpoint.
func Registration(checkpoint *gethtypes.Header, c *Committee) []byte {
	raw, err := rlp.EncodeToBytes(&ethlc.Registration{Header: Encode(checkpoint), Committee: c.Members()})
	if err != nil {
		panic(err)
	}
	return raw
}

// Update returns an update of hs signed by the first signers members.
func Update(hs []*gethtypes.Header, c *Committee, signers int, next []common.Address) *ethlc.Update {
	u := &ethlc.Update{NextCommittee: next}
	for _, h := range hs {
		u.Headers = append(u.Headers, Encode(h))
	}
	u.Signatures = c.Sign(hs[len(hs)-1].Hash(), next, signers)
	return u
}

// Receipts is a block's receipts trie.
type Receipts struct {
	builder *proofs.Builder
}

// NewReceipts builds a receipts trie holding receipts in transaction order.
func NewReceipts(receipts ...*gethtypes.Receipt) *Receipts {
	r := &Receipts{builder: proofs.NewBuilder()}
	for i, receipt := range receipts {
		raw, err := receipt.MarshalBinary()
		if err != nil {
			panic(err)
		}
		if err := r.builder.Put(proofs.ReceiptKey(uint64(i)), raw); err != nil {
			panic(err)
		}
	}
	return r
}

// Root returns the receipts root.
func (r *Receipts) Root() common.Hash { return r.builder.Root() }

// Proof returns an encoded ReceiptInclusionProof for a log in block.
func (r *Receipts) Proof(block common.Hash, txIndex, logIndex uint64) []byte {
	nodes, err := r.builder.Prove(proofs.ReceiptKey(txIndex))
	if err != nil {
		panic(err)
	}
	raw, err := proofs.Encode(&proofs.ReceiptInclusionProof{BlockHash: block, TxIndex: txIndex, Proof: nodes, LogIndex: logIndex})
	if err != nil {
		panic(err)
	}
	return raw
}

// Receipt returns a successful receipt carrying logs.
func Receipt(logs ...*gethtypes.Log) *gethtypes.Receipt {
	return &gethtypes.Receipt{
		Type:              gethtypes.DynamicFeeTxType,
		Status:            gethtypes.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21_000,
		Logs:              logs,
	}
}
