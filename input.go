package psbt_sdk

import "github.com/btcsuite/btcd/txscript"

type Input struct {
	OutTxId  string `json:"out_tx_id"`
	OutIndex uint32 `json:"out_index"`
	// Sequence defaults to the final sequence when zero.
	Sequence uint32 `json:"sequence"`
}

type Output struct {
	Address string `json:"address"`
	Script  string `json:"script"`
	Amount  uint64 `json:"amount"`
}

type UtxoType int

const (
	NonWitness UtxoType = 1
	Witness    UtxoType = 2
)

// InputUtxo describes the output an input spends and the descriptor that
// controls it.
type InputUtxo struct {
	UtxoType            UtxoType             `json:"utxo_type"`
	SighashType         txscript.SigHashType `json:"sighash_type"`
	NonWitnessUtxo      string               `json:"non_witness_utxo"`
	WitnessUtxoPkScript string               `json:"witness_utxo_pk_script"`
	WitnessUtxoAmount   uint64               `json:"witness_utxo_amount"`
	Descriptor          string               `json:"descriptor"`
	DerivationIndex     uint32               `json:"derivation_index"`
	Index               int                  `json:"index"`
}

// OutputDescriptor marks an output as the descriptor's own, typically
// change.
type OutputDescriptor struct {
	Descriptor      string `json:"descriptor"`
	DerivationIndex uint32 `json:"derivation_index"`
	Index           int    `json:"index"`
}
