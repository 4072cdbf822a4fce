package psbt_sdk

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/kyleo-o/psbt-sdk/psbt"
)

// Extract returns the signed transaction of a fully finalized packet.
func Extract(p *psbt.Packet) (*wire.MsgTx, error) {
	tx, err := p.UnsignedTx()
	if err != nil {
		return nil, err
	}

	for i := range p.Inputs {
		in := &p.Inputs[i]
		if !in.IsFinalized() {
			return nil, psbt.InputError(i, "state", fmt.Errorf(
				"%w: input %d is %v", ErrNotFullyFinalized, i,
				in.State()))
		}

		witness, err := in.FinalWitness()
		if err != nil {
			return nil, psbt.InputError(i, "final witness", err)
		}

		tx.TxIn[i].SignatureScript = in.FinalScriptSig
		tx.TxIn[i].Witness = witness
	}

	log.Debugf("Extracted tx %v", tx.TxHash())

	return tx, nil
}
