// Package decode turns raw Solana instructions into a closed set of typed
// variants. Unrecognized programs and discriminators decode to Unknown; a
// payload shorter than its known layout yields a ParseError string on the
// instruction. Decoding never returns a hard error.
package decode

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// RawInstruction is one instruction with its accounts already resolved
// against the enclosing transaction's account table.
type RawInstruction struct {
	ProgramID string
	Accounts  []string
	Data      []byte
}

// Kind tags the decoded variant of an instruction.
type Kind string

const (
	KindSystemCreateAccount Kind = "system_create_account"
	KindSystemAssign        Kind = "system_assign"
	KindSystemTransfer      Kind = "system_transfer"
	KindSystemAllocate      Kind = "system_allocate"

	KindComputeUnitLimit Kind = "compute_unit_limit"
	KindComputeUnitPrice Kind = "compute_unit_price"

	KindEvoreDeploy     Kind = "evore_deploy"
	KindEvoreCheckpoint Kind = "evore_checkpoint"
	KindEvoreClaim      Kind = "evore_claim"
	KindEvoreAutomate   Kind = "evore_automate"
	KindEvoreResetRound Kind = "evore_reset_round"
	KindEvoreLogEvent   Kind = "evore_log_event"
	KindEvoreOther      Kind = "evore_other"

	KindTokenInitAccount     Kind = "token_initialize_account"
	KindTokenTransfer        Kind = "token_transfer"
	KindTokenMintTo          Kind = "token_mint_to"
	KindTokenBurn            Kind = "token_burn"
	KindTokenCloseAccount    Kind = "token_close_account"
	KindTokenTransferChecked Kind = "token_transfer_checked"

	KindATACreate Kind = "ata_create"
	KindMemo      Kind = "memo"
	KindUnknown   Kind = "unknown"
)

// Payload is the closed set of decoded instruction payloads.
type Payload interface{ isPayload() }

type SystemCreateAccount struct {
	Funder     string
	NewAccount string
	Lamports   uint64
	Space      uint64
	Owner      string
}

type SystemAssign struct {
	Account string
	Owner   string
}

type SystemTransfer struct {
	From     string
	To       string
	Lamports uint64
}

type SystemAllocate struct {
	Account string
	Space   uint64
}

type ComputeUnitLimit struct {
	Units uint32
}

type ComputeUnitPrice struct {
	MicroLamports uint64
}

// EvoreDeploy allocates amount_per_square lamports to each listed square in
// the given round. The optional automation PDA is present when the deploy was
// submitted through the delegated path.
type EvoreDeploy struct {
	Authority       string
	Miner           string
	RoundAccount    string
	AutomationPDA   string // empty when the deploy was direct
	RoundID         uint64
	AmountPerSquare uint64
	Squares         []uint8
}

// Total returns the deploy's total lamports across all squares.
func (d EvoreDeploy) Total() uint64 {
	return d.AmountPerSquare * uint64(len(d.Squares))
}

type EvoreCheckpoint struct {
	Miner        string
	RoundAccount string
	RoundID      uint64
}

type EvoreClaim struct {
	Authority string
	Amount    uint64
}

type EvoreAutomate struct {
	Authority     string
	AutomationPDA string
	Deposit       uint64
	Active        bool
}

type EvoreResetRound struct {
	RoundAccount string
}

type EvoreLogEvent struct{}

type EvoreOther struct {
	Discriminator byte
}

type TokenInitAccount struct {
	Account string
	Mint    string
	Owner   string
}

type TokenTransfer struct {
	Source      string
	Destination string
	Owner       string
	Amount      uint64
}

type TokenMintTo struct {
	Mint        string
	Destination string
	Amount      uint64
}

type TokenBurn struct {
	Account string
	Mint    string
	Amount  uint64
}

type TokenCloseAccount struct {
	Account     string
	Destination string
	Owner       string
}

type TokenTransferChecked struct {
	Source      string
	Mint        string
	Destination string
	Owner       string
	Amount      uint64
	Decimals    uint8
}

type ATACreate struct {
	Funder string
	ATA    string
	Owner  string
	Mint   string
}

type Memo struct {
	Text string
}

// Unknown carries a truncated preview of the payload for operator inspection.
type Unknown struct {
	DataPreview string // base64, first 16 bytes
	DataLen     int
}

func (SystemCreateAccount) isPayload()  {}
func (SystemAssign) isPayload()         {}
func (SystemTransfer) isPayload()       {}
func (SystemAllocate) isPayload()       {}
func (ComputeUnitLimit) isPayload()     {}
func (ComputeUnitPrice) isPayload()     {}
func (EvoreDeploy) isPayload()          {}
func (EvoreCheckpoint) isPayload()      {}
func (EvoreClaim) isPayload()           {}
func (EvoreAutomate) isPayload()        {}
func (EvoreResetRound) isPayload()      {}
func (EvoreLogEvent) isPayload()        {}
func (EvoreOther) isPayload()           {}
func (TokenInitAccount) isPayload()     {}
func (TokenTransfer) isPayload()        {}
func (TokenMintTo) isPayload()          {}
func (TokenBurn) isPayload()            {}
func (TokenCloseAccount) isPayload()    {}
func (TokenTransferChecked) isPayload() {}
func (ATACreate) isPayload()            {}
func (Memo) isPayload()                 {}
func (Unknown) isPayload()              {}

// ParsedInstruction is the decoded form of one instruction. Ephemeral: it
// exists only during transaction analysis and is never persisted directly.
type ParsedInstruction struct {
	ProgramID  string
	Accounts   []string
	Kind       Kind
	Payload    Payload
	ParseError string
}

const previewBytes = 16

// Decode classifies one raw instruction. Unknown program ids and
// discriminators produce the Unknown variant; malformed payloads for known
// layouts produce the matching Kind with ParseError set and a nil Payload.
func Decode(ix RawInstruction) ParsedInstruction {
	out := ParsedInstruction{
		ProgramID: ix.ProgramID,
		Accounts:  ix.Accounts,
	}

	switch ix.ProgramID {
	case SystemProgramID:
		decodeSystem(ix, &out)
	case ComputeBudgetProgramID:
		decodeComputeBudget(ix, &out)
	case TokenProgramID:
		decodeToken(ix, &out)
	case AssociatedTokenProgramID:
		out.Kind = KindATACreate
		out.Payload = ATACreate{
			Funder: account(ix, 0),
			ATA:    account(ix, 1),
			Owner:  account(ix, 2),
			Mint:   account(ix, 3),
		}
	case MemoProgramID:
		out.Kind = KindMemo
		out.Payload = Memo{Text: string(ix.Data)}
	case EvoreProgramID:
		decodeEvore(ix, &out)
	default:
		markUnknown(ix, &out)
	}
	return out
}

func decodeSystem(ix RawInstruction, out *ParsedInstruction) {
	if len(ix.Data) < 4 {
		markUnknown(ix, out)
		return
	}
	disc := binary.LittleEndian.Uint32(ix.Data)
	body := ix.Data[4:]

	switch disc {
	case sysCreateAccount:
		out.Kind = KindSystemCreateAccount
		if len(body) < 8+8+32 {
			out.ParseError = layoutError("system create_account", 48, len(body))
			return
		}
		out.Payload = SystemCreateAccount{
			Funder:     account(ix, 0),
			NewAccount: account(ix, 1),
			Lamports:   binary.LittleEndian.Uint64(body[0:8]),
			Space:      binary.LittleEndian.Uint64(body[8:16]),
			Owner:      encodePubkey(body[16:48]),
		}
	case sysAssign:
		out.Kind = KindSystemAssign
		if len(body) < 32 {
			out.ParseError = layoutError("system assign", 32, len(body))
			return
		}
		out.Payload = SystemAssign{
			Account: account(ix, 0),
			Owner:   encodePubkey(body[0:32]),
		}
	case sysTransfer:
		out.Kind = KindSystemTransfer
		if len(body) < 8 {
			out.ParseError = layoutError("system transfer", 8, len(body))
			return
		}
		out.Payload = SystemTransfer{
			From:     account(ix, 0),
			To:       account(ix, 1),
			Lamports: binary.LittleEndian.Uint64(body[0:8]),
		}
	case sysAllocate:
		out.Kind = KindSystemAllocate
		if len(body) < 8 {
			out.ParseError = layoutError("system allocate", 8, len(body))
			return
		}
		out.Payload = SystemAllocate{
			Account: account(ix, 0),
			Space:   binary.LittleEndian.Uint64(body[0:8]),
		}
	default:
		markUnknown(ix, out)
	}
}

func decodeComputeBudget(ix RawInstruction, out *ParsedInstruction) {
	if len(ix.Data) < 1 {
		markUnknown(ix, out)
		return
	}
	body := ix.Data[1:]

	switch ix.Data[0] {
	case cbSetComputeUnitLimit:
		out.Kind = KindComputeUnitLimit
		if len(body) < 4 {
			out.ParseError = layoutError("compute unit limit", 4, len(body))
			return
		}
		out.Payload = ComputeUnitLimit{Units: binary.LittleEndian.Uint32(body[0:4])}
	case cbSetComputeUnitPrice:
		out.Kind = KindComputeUnitPrice
		if len(body) < 8 {
			out.ParseError = layoutError("compute unit price", 8, len(body))
			return
		}
		out.Payload = ComputeUnitPrice{MicroLamports: binary.LittleEndian.Uint64(body[0:8])}
	default:
		markUnknown(ix, out)
	}
}

func decodeToken(ix RawInstruction, out *ParsedInstruction) {
	if len(ix.Data) < 1 {
		markUnknown(ix, out)
		return
	}
	body := ix.Data[1:]

	switch ix.Data[0] {
	case tokInitializeAccount:
		out.Kind = KindTokenInitAccount
		out.Payload = TokenInitAccount{
			Account: account(ix, 0),
			Mint:    account(ix, 1),
			Owner:   account(ix, 2),
		}
	case tokTransfer:
		out.Kind = KindTokenTransfer
		if len(body) < 8 {
			out.ParseError = layoutError("token transfer", 8, len(body))
			return
		}
		out.Payload = TokenTransfer{
			Source:      account(ix, 0),
			Destination: account(ix, 1),
			Owner:       account(ix, 2),
			Amount:      binary.LittleEndian.Uint64(body[0:8]),
		}
	case tokMintTo:
		out.Kind = KindTokenMintTo
		if len(body) < 8 {
			out.ParseError = layoutError("token mint_to", 8, len(body))
			return
		}
		out.Payload = TokenMintTo{
			Mint:        account(ix, 0),
			Destination: account(ix, 1),
			Amount:      binary.LittleEndian.Uint64(body[0:8]),
		}
	case tokBurn:
		out.Kind = KindTokenBurn
		if len(body) < 8 {
			out.ParseError = layoutError("token burn", 8, len(body))
			return
		}
		out.Payload = TokenBurn{
			Account: account(ix, 0),
			Mint:    account(ix, 1),
			Amount:  binary.LittleEndian.Uint64(body[0:8]),
		}
	case tokCloseAccount:
		out.Kind = KindTokenCloseAccount
		out.Payload = TokenCloseAccount{
			Account:     account(ix, 0),
			Destination: account(ix, 1),
			Owner:       account(ix, 2),
		}
	case tokTransferChecked:
		out.Kind = KindTokenTransferChecked
		if len(body) < 9 {
			out.ParseError = layoutError("token transfer_checked", 9, len(body))
			return
		}
		out.Payload = TokenTransferChecked{
			Source:      account(ix, 0),
			Mint:        account(ix, 1),
			Destination: account(ix, 2),
			Owner:       account(ix, 3),
			Amount:      binary.LittleEndian.Uint64(body[0:8]),
			Decimals:    body[8],
		}
	default:
		markUnknown(ix, out)
	}
}

func decodeEvore(ix RawInstruction, out *ParsedInstruction) {
	if len(ix.Data) < 1 {
		markUnknown(ix, out)
		return
	}
	body := ix.Data[1:]

	switch ix.Data[0] {
	case evDeploy:
		out.Kind = KindEvoreDeploy
		// round_id u64, amount_per_square u64, square_count u8, squares [count]u8
		if len(body) < 17 {
			out.ParseError = layoutError("evore deploy", 17, len(body))
			return
		}
		count := int(body[16])
		if len(body) < 17+count {
			out.ParseError = layoutError("evore deploy squares", 17+count, len(body))
			return
		}
		squares := make([]uint8, count)
		copy(squares, body[17:17+count])
		// Account order: authority, miner, round, [automation PDA,] system
		// program. The PDA is present only on the delegated deploy path.
		automation := ""
		if len(ix.Accounts) >= 5 {
			automation = ix.Accounts[3]
		}
		out.Payload = EvoreDeploy{
			Authority:       account(ix, 0),
			Miner:           account(ix, 1),
			RoundAccount:    account(ix, 2),
			AutomationPDA:   automation,
			RoundID:         binary.LittleEndian.Uint64(body[0:8]),
			AmountPerSquare: binary.LittleEndian.Uint64(body[8:16]),
			Squares:         squares,
		}
	case evCheckpoint:
		out.Kind = KindEvoreCheckpoint
		if len(body) < 8 {
			out.ParseError = layoutError("evore checkpoint", 8, len(body))
			return
		}
		out.Payload = EvoreCheckpoint{
			Miner:        account(ix, 0),
			RoundAccount: account(ix, 1),
			RoundID:      binary.LittleEndian.Uint64(body[0:8]),
		}
	case evClaim:
		out.Kind = KindEvoreClaim
		if len(body) < 8 {
			out.ParseError = layoutError("evore claim", 8, len(body))
			return
		}
		out.Payload = EvoreClaim{
			Authority: account(ix, 0),
			Amount:    binary.LittleEndian.Uint64(body[0:8]),
		}
	case evAutomate:
		out.Kind = KindEvoreAutomate
		if len(body) < 9 {
			out.ParseError = layoutError("evore automate", 9, len(body))
			return
		}
		out.Payload = EvoreAutomate{
			Authority:     account(ix, 0),
			AutomationPDA: account(ix, 1),
			Deposit:       binary.LittleEndian.Uint64(body[0:8]),
			Active:        body[8] != 0,
		}
	case evResetRound:
		out.Kind = KindEvoreResetRound
		out.Payload = EvoreResetRound{RoundAccount: account(ix, 0)}
	case evLogEvent:
		out.Kind = KindEvoreLogEvent
		out.Payload = EvoreLogEvent{}
	default:
		out.Kind = KindEvoreOther
		out.Payload = EvoreOther{Discriminator: ix.Data[0]}
	}
}

func markUnknown(ix RawInstruction, out *ParsedInstruction) {
	out.Kind = KindUnknown
	preview := ix.Data
	if len(preview) > previewBytes {
		preview = preview[:previewBytes]
	}
	out.Payload = Unknown{
		DataPreview: base64.StdEncoding.EncodeToString(preview),
		DataLen:     len(ix.Data),
	}
}

// account returns the i-th resolved account, or "" when the instruction
// carries fewer accounts (optional trailing accounts are common).
func account(ix RawInstruction, i int) string {
	if i >= len(ix.Accounts) {
		return ""
	}
	return ix.Accounts[i]
}

func layoutError(layout string, want, got int) string {
	return fmt.Sprintf("%s: payload length mismatch: want >= %d bytes, got %d", layout, want, got)
}

// encodePubkey renders a raw 32-byte key in base58.
func encodePubkey(b []byte) string {
	return base58Encode(b)
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(input []byte) string {
	if len(input) == 0 {
		return ""
	}

	zeros := 0
	for zeros < len(input) && input[zeros] == 0 {
		zeros++
	}

	// Big-integer division in base 58 over a byte copy.
	buf := make([]byte, len(input))
	copy(buf, input)
	var out []byte
	start := zeros
	for start < len(buf) {
		rem := 0
		for i := start; i < len(buf); i++ {
			acc := rem*256 + int(buf[i])
			buf[i] = byte(acc / 58)
			rem = acc % 58
		}
		out = append(out, base58Alphabet[rem])
		for start < len(buf) && buf[start] == 0 {
			start++
		}
	}

	for i := 0; i < zeros; i++ {
		out = append(out, '1')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// Base58Encode renders raw bytes in base58, the encoding Solana nodes use
// for instruction data and pubkeys.
func Base58Encode(b []byte) string {
	return base58Encode(b)
}

// Base58Decode decodes a base58 string. Used by the analyzer to recover raw
// instruction payloads from jsonParsed transaction data.
func Base58Decode(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}

	zeros := 0
	for zeros < len(s) && s[zeros] == '1' {
		zeros++
	}

	digits := make([]int, 0, len(s))
	for i := zeros; i < len(s); i++ {
		d := base58Index(s[i])
		if d < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", s[i])
		}
		digits = append(digits, d)
	}

	var out []byte
	for _, d := range digits {
		carry := d
		for i := 0; i < len(out); i++ {
			carry += int(out[i]) * 58
			out[i] = byte(carry & 0xff)
			carry >>= 8
		}
		for carry > 0 {
			out = append(out, byte(carry&0xff))
			carry >>= 8
		}
	}

	result := make([]byte, zeros+len(out))
	for i := 0; i < len(out); i++ {
		result[zeros+len(out)-1-i] = out[i]
	}
	return result, nil
}

func base58Index(c byte) int {
	for i := 0; i < len(base58Alphabet); i++ {
		if base58Alphabet[i] == c {
			return i
		}
	}
	return -1
}
