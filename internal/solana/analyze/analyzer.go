// Package analyze decodes a whole transaction into balance deltas, program
// invocations, typed instructions, and the deployment facts the
// reconstruction pipeline runs on.
package analyze

import (
	"fmt"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/solana/decode"
	"github.com/Kriptikz/evore-sub000/internal/solana/rpc"
)

// BalanceDelta is one account's lamport change across the transaction.
type BalanceDelta struct {
	Account string
	Pre     int64
	Post    int64
	Delta   int64
}

// InstructionEntry is one decoded instruction with its position.
// InnerIndex is -1 for top-level instructions.
type InstructionEntry struct {
	Index      int
	InnerIndex int
	Parsed     decode.ParsedInstruction
}

// OreDeploymentInfo is a deploy recovered from instruction data.
type OreDeploymentInfo struct {
	RoundID          int64
	ExpectedRoundID  int64
	RoundMatches     bool
	Authority        string
	Miner            string
	AmountPerSquare  int64
	Squares          []uint8
	TotalAmount      int64
	Slot             int64
	Signature        string
	InstructionIndex int
	AutomationPDA    string
	// CompletionSeen is true when the deploy's completion event (the game
	// program's log-event CPI) appears in the same instruction group.
	// Absent completions feed the automation lookup queue.
	CompletionSeen bool
}

// LoggedDeployment is a deploy independently parsed from the textual log
// stream. MatchedParsed is filled in by the reconciler.
type LoggedDeployment struct {
	RoundID        int64
	AmountLamports int64
	Squares        int
	Authority      string
	MatchedParsed  bool
	RawLine        string
}

// OreAnalysis is the game-specific summary of one transaction.
type OreAnalysis struct {
	Deployments       []OreDeploymentInfo
	LoggedDeployments []LoggedDeployment
}

// TxAnalysis is the full analysis of one transaction.
type TxAnalysis struct {
	Signature       string
	Slot            int64
	BlockTime       *time.Time
	Success         bool
	Fee             uint64
	ComputeUnits    uint64
	Signer          string
	BalanceDeltas   []BalanceDelta
	ProgramsInvoked map[string]int
	Instructions    []InstructionEntry
	Ore             OreAnalysis
}

// FailedAnalysis records a transaction that could not be analyzed at all.
// It never aborts the enclosing batch.
type FailedAnalysis struct {
	Signature string
	Slot      int64
	Err       string
}

// Analyze decodes one transaction. expectedRoundID is the round the enclosing
// fetch was scoped to; deploys for other rounds are kept but flagged.
// An error is returned only when the envelope itself is unusable.
func Analyze(tx *rpc.TransactionResponse, expectedRoundID int64) (*TxAnalysis, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	if len(tx.Transaction.Signatures) == 0 {
		return nil, fmt.Errorf("transaction has no signatures")
	}

	a := &TxAnalysis{
		Signature:       tx.Transaction.Signatures[0],
		Slot:            tx.Slot,
		Success:         true,
		ProgramsInvoked: make(map[string]int),
	}
	if tx.BlockTime != nil {
		bt := time.Unix(*tx.BlockTime, 0)
		a.BlockTime = &bt
	}
	if len(tx.Transaction.Message.AccountKeys) > 0 {
		a.Signer = tx.Transaction.Message.AccountKeys[0].Pubkey
	}

	meta := tx.Meta
	if meta != nil {
		a.Success = meta.Err == nil
		a.Fee = meta.Fee
		if meta.ComputeUnitsConsumed != nil {
			a.ComputeUnits = *meta.ComputeUnitsConsumed
		}
		a.BalanceDeltas = balanceDeltas(tx.Transaction.Message.AccountKeys, meta.PreBalances, meta.PostBalances)
	}

	inner := make(map[int][]rpc.Instruction)
	if meta != nil {
		for _, group := range meta.InnerInstructions {
			inner[group.Index] = group.Instructions
		}
	}

	for i, rawIx := range tx.Transaction.Message.Instructions {
		a.appendInstruction(i, -1, rawIx)
		for j, innerIx := range inner[i] {
			a.appendInstruction(i, j, innerIx)
		}
	}

	a.extractDeployments(expectedRoundID, inner)

	if meta != nil {
		a.Ore.LoggedDeployments = ParseLoggedDeployments(meta.LogMessages, a.Signer)
	}

	return a, nil
}

func (a *TxAnalysis) appendInstruction(index, innerIndex int, rawIx rpc.Instruction) {
	data, err := decode.Base58Decode(rawIx.Data)
	parsed := decode.Decode(decode.RawInstruction{
		ProgramID: rawIx.ProgramID,
		Accounts:  rawIx.Accounts,
		Data:      data,
	})
	if err != nil {
		// Keep the classification but record the data decode failure.
		parsed.ParseError = fmt.Sprintf("instruction data: %v", err)
	}

	a.ProgramsInvoked[rawIx.ProgramID]++
	a.Instructions = append(a.Instructions, InstructionEntry{
		Index:      index,
		InnerIndex: innerIndex,
		Parsed:     parsed,
	})
}

// extractDeployments walks decoded instructions for deploys and checks each
// one's instruction group for a completion event.
func (a *TxAnalysis) extractDeployments(expectedRoundID int64, inner map[int][]rpc.Instruction) {
	completionByGroup := make(map[int]bool)
	for _, entry := range a.Instructions {
		if entry.Parsed.Kind == decode.KindEvoreLogEvent {
			completionByGroup[entry.Index] = true
		}
	}

	for _, entry := range a.Instructions {
		deploy, ok := entry.Parsed.Payload.(decode.EvoreDeploy)
		if !ok {
			continue
		}
		info := OreDeploymentInfo{
			RoundID:          int64(deploy.RoundID),
			ExpectedRoundID:  expectedRoundID,
			RoundMatches:     int64(deploy.RoundID) == expectedRoundID,
			Authority:        deploy.Authority,
			Miner:            deploy.Miner,
			AmountPerSquare:  int64(deploy.AmountPerSquare),
			Squares:          deploy.Squares,
			TotalAmount:      int64(deploy.Total()),
			Slot:             a.Slot,
			Signature:        a.Signature,
			InstructionIndex: entry.Index,
			AutomationPDA:    deploy.AutomationPDA,
			CompletionSeen:   completionByGroup[entry.Index],
		}
		a.Ore.Deployments = append(a.Ore.Deployments, info)
	}
}

// DeploymentTotal sums successful deploy totals. Failed transactions are
// analyzed for auditing but contribute nothing here.
func (a *TxAnalysis) DeploymentTotal() int64 {
	if !a.Success {
		return 0
	}
	var total int64
	for _, d := range a.Ore.Deployments {
		total += d.TotalAmount
	}
	return total
}

func balanceDeltas(keys []rpc.AccountKey, pre, post []int64) []BalanceDelta {
	n := len(keys)
	if len(pre) < n {
		n = len(pre)
	}
	if len(post) < n {
		n = len(post)
	}

	deltas := make([]BalanceDelta, 0, n)
	for i := 0; i < n; i++ {
		if pre[i] == post[i] {
			continue
		}
		deltas = append(deltas, BalanceDelta{
			Account: keys[i].Pubkey,
			Pre:     pre[i],
			Post:    post[i],
			Delta:   post[i] - pre[i],
		})
	}
	return deltas
}
