// Package tx wraps raw Bitcoin-family transactions with the accessors
// the history engine needs: inputs with previous outpoints, classified
// outputs, txid, and completeness.
package tx

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/quasar-wallet/quasard/pkg/helpers"
)

// OutputKind classifies an output's destination.
type OutputKind int

const (
	// OutputAddress pays a standard address (P2PKH, P2SH, segwit, taproot).
	OutputAddress OutputKind = iota
	// OutputPubKey pays a raw public key; the engine treats it as the
	// corresponding P2PKH address.
	OutputPubKey
	// OutputOther is anything else (nulldata, nonstandard).
	OutputOther
)

// Input is a transaction input as seen by the engine.
type Input struct {
	Coinbase bool
	PrevHash string
	PrevN    uint32

	// Address is a best-effort guess recovered from the unlocking
	// script. Empty when not derivable; the engine falls back to the
	// prev output index.
	Address string
}

// Output is a classified transaction output.
type Output struct {
	Kind    OutputKind
	Address string
	Value   int64
}

// Transaction wraps a parsed wire transaction.
type Transaction struct {
	msg    *wire.MsgTx
	raw    []byte
	params *chaincfg.Params

	txid    string
	inputs  []Input
	outputs []Output
}

// Parse decodes a raw transaction from hex.
func Parse(rawHex string, params *chaincfg.Params) (*Transaction, error) {
	raw, err := helpers.HexToBytes(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}

	msg := wire.NewMsgTx(wire.TxVersion)
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	if len(msg.TxIn) == 0 || len(msg.TxOut) == 0 {
		return nil, fmt.Errorf("transaction has no inputs or outputs")
	}

	return newTransaction(msg, raw, params), nil
}

// FromMsgTx wraps an already-built wire transaction.
func FromMsgTx(msg *wire.MsgTx, params *chaincfg.Params) *Transaction {
	var buf bytes.Buffer
	msg.Serialize(&buf)
	return newTransaction(msg, buf.Bytes(), params)
}

func newTransaction(msg *wire.MsgTx, raw []byte, params *chaincfg.Params) *Transaction {
	t := &Transaction{msg: msg, raw: raw, params: params}
	t.txid = msg.TxHash().String()
	t.inputs = classifyInputs(msg, params)
	t.outputs = classifyOutputs(msg, params)
	return t
}

// Txid returns the transaction id (display byte order).
func (t *Transaction) Txid() string { return t.txid }

// RawHex returns the serialized transaction as hex.
func (t *Transaction) RawHex() string { return helpers.BytesToHex(t.raw) }

// MsgTx exposes the underlying wire transaction.
func (t *Transaction) MsgTx() *wire.MsgTx { return t.msg }

// Inputs returns the classified inputs.
func (t *Transaction) Inputs() []Input { return t.inputs }

// Outputs returns the classified outputs.
func (t *Transaction) Outputs() []Output { return t.outputs }

// IsCoinbase reports whether the first input is a coinbase input.
func (t *Transaction) IsCoinbase() bool {
	return t.inputs[0].Coinbase
}

// IsComplete reports whether every input carries an unlocking script
// or witness. Coinbase inputs are always complete.
func (t *Transaction) IsComplete() bool {
	for i, in := range t.msg.TxIn {
		if t.inputs[i].Coinbase {
			continue
		}
		if len(in.SignatureScript) == 0 && len(in.Witness) == 0 {
			return false
		}
	}
	return true
}

// TotalOutput returns the sum of all output values.
func (t *Transaction) TotalOutput() int64 {
	var total int64
	for _, o := range t.outputs {
		total += o.Value
	}
	return total
}

// =============================================================================
// Classification
// =============================================================================

func classifyInputs(msg *wire.MsgTx, params *chaincfg.Params) []Input {
	inputs := make([]Input, 0, len(msg.TxIn))
	for _, in := range msg.TxIn {
		prev := in.PreviousOutPoint
		if prev.Index == wire.MaxPrevOutIndex && prev.Hash == (chainhash.Hash{}) {
			inputs = append(inputs, Input{Coinbase: true})
			continue
		}
		inputs = append(inputs, Input{
			PrevHash: prev.Hash.String(),
			PrevN:    prev.Index,
			Address:  guessInputAddress(in, params),
		})
	}
	return inputs
}

// guessInputAddress recovers the spender address from a P2WPKH-style
// witness ([sig, pubkey], giving the P2WPKH address) or a P2PKH-style
// unlocking script (sig + pubkey pushes). Other witness and
// script-hash spends return empty; the engine resolves those via the
// prev output.
func guessInputAddress(in *wire.TxIn, params *chaincfg.Params) string {
	if len(in.Witness) == 2 {
		// P2WPKH witness: [sig, pubkey]
		if addr := pubKeyToP2WPKH(in.Witness[1], params); addr != "" {
			return addr
		}
	}
	pushes, err := txscript.PushedData(in.SignatureScript)
	if err != nil || len(pushes) < 2 {
		return ""
	}
	return pubKeyToP2PKH(pushes[len(pushes)-1], params)
}

func classifyOutputs(msg *wire.MsgTx, params *chaincfg.Params) []Output {
	outputs := make([]Output, 0, len(msg.TxOut))
	for _, out := range msg.TxOut {
		o := Output{Kind: OutputOther, Value: out.Value}

		class, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params)
		if err == nil && len(addrs) > 0 {
			switch class {
			case txscript.PubKeyTy:
				o.Kind = OutputPubKey
				if pk, ok := addrs[0].(*btcutil.AddressPubKey); ok {
					o.Address = pk.AddressPubKeyHash().EncodeAddress()
				}
			case txscript.NonStandardTy, txscript.NullDataTy:
				// leave as other
			default:
				o.Kind = OutputAddress
				o.Address = addrs[0].EncodeAddress()
			}
		}
		outputs = append(outputs, o)
	}
	return outputs
}

func pubKeyToP2PKH(pubKey []byte, params *chaincfg.Params) string {
	if _, err := btcec.ParsePubKey(pubKey); err != nil {
		return ""
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey), params)
	if err != nil {
		return ""
	}
	return addr.EncodeAddress()
}

func pubKeyToP2WPKH(pubKey []byte, params *chaincfg.Params) string {
	if _, err := btcec.ParsePubKey(pubKey); err != nil {
		return ""
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey), params)
	if err != nil {
		return ""
	}
	return addr.EncodeAddress()
}

// =============================================================================
// Outpoints
// =============================================================================

// OutpointKey serializes an outpoint as "txid:n".
func OutpointKey(txid string, n uint32) string {
	return txid + ":" + strconv.FormatUint(uint64(n), 10)
}

// ParseOutpointKey splits an outpoint key back into txid and index.
func ParseOutpointKey(key string) (string, uint32, error) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed outpoint %q", key)
	}
	n, err := strconv.ParseUint(key[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed outpoint %q: %w", key, err)
	}
	return key[:i], uint32(n), nil
}
