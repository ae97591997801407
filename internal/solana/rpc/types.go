package rpc

import "encoding/json"

// JSON-RPC request/response types

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// getSignaturesForAddress response
type SignatureInfo struct {
	Signature          string      `json:"signature"`
	Slot               int64       `json:"slot"`
	BlockTime          *int64      `json:"blockTime"`
	Err                interface{} `json:"err"`
	Memo               *string     `json:"memo"`
	ConfirmationStatus *string     `json:"confirmationStatus"`
}

// getTransaction response (jsonParsed encoding)
type TransactionResponse struct {
	Slot        int64               `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Transaction TransactionEnvelope `json:"transaction"`
	Meta        *TransactionMeta    `json:"meta"`
}

type TransactionEnvelope struct {
	Signatures []string           `json:"signatures"`
	Message    TransactionMessage `json:"message"`
}

type TransactionMessage struct {
	AccountKeys  []AccountKey  `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// Instruction is a raw (non-program-parsed) instruction: account pubkeys
// resolved by the RPC node, data as base58.
type Instruction struct {
	ProgramID string   `json:"programId"`
	Accounts  []string `json:"accounts"`
	Data      string   `json:"data"`
}

type TransactionMeta struct {
	Err                  interface{}        `json:"err"`
	Fee                  uint64             `json:"fee"`
	ComputeUnitsConsumed *uint64            `json:"computeUnitsConsumed"`
	PreBalances          []int64            `json:"preBalances"`
	PostBalances         []int64            `json:"postBalances"`
	InnerInstructions    []InnerInstruction `json:"innerInstructions"`
	LogMessages          []string           `json:"logMessages"`
}

type InnerInstruction struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

// getAccountInfo response
type AccountInfoResult struct {
	Context struct {
		Slot int64 `json:"slot"`
	} `json:"context"`
	Value *AccountInfo `json:"value"`
}

type AccountInfo struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"` // [base64 payload, "base64"]
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}
