package node

import (
	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/block"
	"github.com/xai-project/xai-core/internal/config"
	"github.com/xai-project/xai-core/internal/consensus"
	"github.com/xai-project/xai-core/internal/tx"
)

// genesisTimestamp is the fixed Unix timestamp baked into every
// network's genesis header, so independently-built nodes on the same
// network all compute the same genesis hash (spec §3/§6: "hash is
// fixed per network").
const genesisTimestamp = 1_700_000_000

// genesisRecipients fixes the coinbase payee for each network's
// genesis block. These are not spendable by any known private key;
// they exist only so genesis's coinbase output, and therefore its
// Merkle root and hash, are deterministic and identical across every
// independently-built node on the network.
var genesisRecipients = map[config.Network]string{
	config.Mainnet: "XAI0000000000000000000000000000GENESIS0",
	config.Testnet: "TXAI000000000000000000000000000GENESIS0",
	config.Devnet:  "DXAI000000000000000000000000000GENESIS0",
}

// buildGenesis constructs the fixed genesis block for network.
func buildGenesis(network config.Network) (*block.Block, error) {
	recipient := genesisRecipients[network]
	reward := consensus.BlockReward(0, amount.Zero)
	coinbase := &tx.Transaction{
		Sender:    tx.SenderCoinbase,
		Recipient: recipient,
		Amount:    reward,
		Timestamp: genesisTimestamp,
		Inputs:    []tx.Input{{TxID: zeroTxID, Vout: 0}},
		Outputs:   []tx.Output{{Recipient: recipient, Amount: reward}},
	}
	return block.NewGenesis(genesisTimestamp, consensus.DefaultParams().MinDifficulty, coinbase)
}

const zeroTxID = "0000000000000000000000000000000000000000000000000000000000000000"
