package decode

// Well-known program ids resolved against the transaction account table.
const (
	SystemProgramID          = "11111111111111111111111111111111"
	ComputeBudgetProgramID   = "ComputeBudget111111111111111111111111111111"
	TokenProgramID           = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	AssociatedTokenProgramID = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	MemoProgramID            = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"

	// EvoreProgramID is the on-chain game program. Deploys, checkpoints,
	// claims, automation and round resets all go through it.
	EvoreProgramID = "evore4Qvtjz4HSNMg8SVZpKyPMFe2TsLUNfhRJ1B7Wg9"
)

// System program instruction discriminators (u32 little-endian).
const (
	sysCreateAccount uint32 = 0
	sysAssign        uint32 = 1
	sysTransfer      uint32 = 2
	sysAllocate      uint32 = 8
)

// Compute budget instruction discriminators (u8).
const (
	cbSetComputeUnitLimit byte = 2
	cbSetComputeUnitPrice byte = 3
)

// SPL token instruction discriminators (u8).
const (
	tokInitializeAccount byte = 1
	tokTransfer          byte = 3
	tokMintTo            byte = 7
	tokBurn              byte = 8
	tokCloseAccount      byte = 9
	tokTransferChecked   byte = 12
)

// Evore program instruction discriminators (u8).
const (
	evDeploy     byte = 0
	evCheckpoint byte = 1
	evClaim      byte = 2
	evAutomate   byte = 3
	evResetRound byte = 4
	evLogEvent   byte = 5
)
