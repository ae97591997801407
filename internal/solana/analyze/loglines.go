package analyze

import (
	"fmt"
	"strconv"
	"strings"
)

// The game program emits one human-readable line per deploy:
//
//	Program log: Round #123: deploying 1.5 SOL to 3 squares
//
// These lines are parsed independently of instruction data so the two views
// can be reconciled against each other.

const (
	logPrefix        = "Program log: Round #"
	lamportsPerSOL   = 1_000_000_000
	solDecimalPlaces = 9
)

// ParseLoggedDeployments extracts every deploy log line. The authority is the
// transaction signer; the log stream does not repeat it.
func ParseLoggedDeployments(logs []string, authority string) []LoggedDeployment {
	var out []LoggedDeployment
	for _, line := range logs {
		ld, ok := parseDeployLine(line)
		if !ok {
			continue
		}
		ld.Authority = authority
		out = append(out, ld)
	}
	return out
}

func parseDeployLine(line string) (LoggedDeployment, bool) {
	rest, ok := strings.CutPrefix(line, logPrefix)
	if !ok {
		return LoggedDeployment{}, false
	}

	roundStr, rest, ok := strings.Cut(rest, ": deploying ")
	if !ok {
		return LoggedDeployment{}, false
	}
	amountStr, rest, ok := strings.Cut(rest, " SOL to ")
	if !ok {
		return LoggedDeployment{}, false
	}
	squaresStr, ok := strings.CutSuffix(rest, " squares")
	if !ok {
		squaresStr, ok = strings.CutSuffix(rest, " square")
		if !ok {
			return LoggedDeployment{}, false
		}
	}

	roundID, err := strconv.ParseInt(roundStr, 10, 64)
	if err != nil {
		return LoggedDeployment{}, false
	}
	squares, err := strconv.Atoi(squaresStr)
	if err != nil {
		return LoggedDeployment{}, false
	}
	lamports, err := SOLToLamports(amountStr)
	if err != nil {
		return LoggedDeployment{}, false
	}

	return LoggedDeployment{
		RoundID:        roundID,
		AmountLamports: lamports,
		Squares:        squares,
		RawLine:        line,
	}, true
}

// SOLToLamports parses a decimal SOL amount exactly, without float rounding.
func SOLToLamports(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > solDecimalPlaces {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", s, solDecimalPlaces)
	}
	frac += strings.Repeat("0", solDecimalPlaces-len(frac))

	wholeN, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	var fracN int64
	if frac != "" {
		fracN, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse amount %q: %w", s, err)
		}
	}
	return wholeN*lamportsPerSOL + fracN, nil
}
