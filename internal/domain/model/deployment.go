package model

// Deployment is the finalized record of one miner's allocation to one square
// in one round. Identity is (round_id, miner_pubkey, square_id); a round's
// whole set is replaced atomically on finalize.
type Deployment struct {
	RoundID      int64  `db:"round_id"`
	MinerPubkey  string `db:"miner_pubkey"`
	SquareID     int16  `db:"square_id"`
	Amount       int64  `db:"amount"` // lamports
	DeployedSlot int64  `db:"deployed_slot"`
	SolEarned    int64  `db:"sol_earned"`
	OreEarned    int64  `db:"ore_earned"`
	IsWinner     bool   `db:"is_winner"`
	IsTopMiner   bool   `db:"is_top_miner"`
}
