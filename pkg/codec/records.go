package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

const (
	headerSize       = 80
	fundingValueSize = 8 + heightSize
	spendValueSize   = 32 + heightSize + 32
	tipValueSize     = heightSize + 32
)

// EncodeHeader serializes a block header to its 80-byte wire form.
func EncodeHeader(header *wire.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(headerSize)
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHeader deserializes an 80-byte wire-form block header.
func DecodeHeader(b []byte) (*wire.BlockHeader, error) {
	if len(b) != headerSize {
		return nil, fmt.Errorf("%w: header is %d bytes", ErrMalformedRecord, len(b))
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return &header, nil
}

// FundingValue encodes the payload of a UTXO creation entry: the output
// value and the height it was created at.
func FundingValue(satoshis uint64, height uint32) []byte {
	buf := make([]byte, fundingValueSize)
	binary.BigEndian.PutUint64(buf, satoshis)
	binary.BigEndian.PutUint32(buf[8:], height)
	return buf
}

// DecodeFundingValue decodes a UTXO creation payload.
func DecodeFundingValue(b []byte) (satoshis uint64, height uint32, err error) {
	if len(b) != fundingValueSize {
		return 0, 0, fmt.Errorf("%w: funding value is %d bytes", ErrMalformedRecord, len(b))
	}
	return binary.BigEndian.Uint64(b), binary.BigEndian.Uint32(b[8:]), nil
}

// SpendValue encodes the payload of a UTXO spend entry: the spending txid,
// the spend height, and the script of the consumed output. Carrying the
// script lets rollback find the input-side history entries without a
// separate undo log.
func SpendValue(spender *chainhash.Hash, height uint32, script types.ScriptHash) []byte {
	buf := make([]byte, 0, spendValueSize)
	buf = append(buf, spender[:]...)
	buf = binary.BigEndian.AppendUint32(buf, height)
	buf = append(buf, script[:]...)
	return buf
}

// DecodeSpendValue decodes a UTXO spend payload.
func DecodeSpendValue(b []byte) (spender chainhash.Hash, height uint32, script types.ScriptHash, err error) {
	if len(b) != spendValueSize {
		err = fmt.Errorf("%w: spend value is %d bytes", ErrMalformedRecord, len(b))
		return
	}
	copy(spender[:], b[:32])
	height = binary.BigEndian.Uint32(b[32:36])
	copy(script[:], b[36:])
	return
}

// TxValue encodes a transaction row: confirming height followed by the raw
// transaction bytes.
func TxValue(height uint32, raw []byte) []byte {
	buf := make([]byte, heightSize+len(raw))
	binary.BigEndian.PutUint32(buf, height)
	copy(buf[heightSize:], raw)
	return buf
}

// DecodeTxValue decodes a transaction row into confirming height and raw
// transaction bytes.
func DecodeTxValue(b []byte) (height uint32, raw []byte, err error) {
	if len(b) < heightSize {
		return 0, nil, fmt.Errorf("%w: tx value is %d bytes", ErrMalformedRecord, len(b))
	}
	return binary.BigEndian.Uint32(b), b[heightSize:], nil
}

// EncodeTxids concatenates txids in block order.
func EncodeTxids(txids []chainhash.Hash) []byte {
	buf := make([]byte, 0, len(txids)*chainhash.HashSize)
	for i := range txids {
		buf = append(buf, txids[i][:]...)
	}
	return buf
}

// DecodeTxids splits a concatenated txid list.
func DecodeTxids(b []byte) ([]chainhash.Hash, error) {
	if len(b)%chainhash.HashSize != 0 {
		return nil, fmt.Errorf("%w: txid list is %d bytes", ErrMalformedRecord, len(b))
	}
	txids := make([]chainhash.Hash, len(b)/chainhash.HashSize)
	for i := range txids {
		copy(txids[i][:], b[i*chainhash.HashSize:])
	}
	return txids, nil
}

// TipValue encodes the chain tip marker: height and block hash of the most
// recently fully-indexed block.
func TipValue(height uint32, hash *chainhash.Hash) []byte {
	buf := make([]byte, 0, tipValueSize)
	buf = binary.BigEndian.AppendUint32(buf, height)
	buf = append(buf, hash[:]...)
	return buf
}

// DecodeTipValue decodes the chain tip marker.
func DecodeTipValue(b []byte) (height uint32, hash chainhash.Hash, err error) {
	if len(b) != tipValueSize {
		err = fmt.Errorf("%w: tip marker is %d bytes", ErrMalformedRecord, len(b))
		return
	}
	height = binary.BigEndian.Uint32(b)
	copy(hash[:], b[heightSize:])
	return
}
