package multicall

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/arcpay/withdrawd/tokens"
)

// TransferInput is the raw batching request before validation: amounts are
// strings, either base units or a token-decimal string ("1.5").
type TransferInput struct {
	Token         string
	To            string
	Amount        string
	TransactionID string
}

var (
	ErrDuplicateID   = errors.New("duplicate transaction id")
	ErrBadAddress    = errors.New("malformed address")
	ErrBadAmount     = errors.New("amount must be a positive number")
	ErrPrecisionLoss = errors.New("amount has more fractional digits than token decimals")
)

// Validate rejects duplicate transaction ids, malformed addresses and
// non-positive amounts. It does not normalize; see Prepare.
func Validate(inputs []TransferInput) error {
	seen := mapset.NewSet[string]()
	for _, in := range inputs {
		if in.TransactionID == "" {
			return fmt.Errorf("%w: empty id", ErrDuplicateID)
		}
		if !seen.Add(in.TransactionID) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, in.TransactionID)
		}
		if !common.IsHexAddress(in.To) {
			return fmt.Errorf("%w: recipient %q (id %s)", ErrBadAddress, in.To, in.TransactionID)
		}
		if !common.IsHexAddress(in.Token) {
			return fmt.Errorf("%w: token %q (id %s)", ErrBadAddress, in.Token, in.TransactionID)
		}
		if err := checkAmount(in.Amount); err != nil {
			return fmt.Errorf("%w (id %s)", err, in.TransactionID)
		}
	}
	return nil
}

func checkAmount(amount string) error {
	s := strings.TrimSpace(amount)
	if s == "" {
		return ErrBadAmount
	}
	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if !isDigits(intPart) || (hasDot && !isDigits(fracPart)) {
		return fmt.Errorf("%w: %q", ErrBadAmount, amount)
	}
	if allZero(intPart) && (!hasDot || allZero(fracPart)) {
		return fmt.Errorf("%w: %q", ErrBadAmount, amount)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func allZero(s string) bool {
	for _, r := range s {
		if r != '0' {
			return false
		}
	}
	return true
}

// NormalizeAmount converts an amount string to base units. Strings carrying
// a decimal point are token-decimal amounts scaled by decimals; plain
// integers are treated as already being base units.
func NormalizeAmount(amount string, decimals uint8) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if err := checkAmount(s); err != nil {
		return nil, err
	}
	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if !hasDot {
		v, _ := new(big.Int).SetString(intPart, 10)
		return v, nil
	}
	if len(fracPart) > int(decimals) {
		return nil, fmt.Errorf("%w: %q with %d decimals", ErrPrecisionLoss, amount, decimals)
	}
	fracPart += strings.Repeat("0", int(decimals)-len(fracPart))
	v, _ := new(big.Int).SetString(intPart+fracPart, 10)
	return v, nil
}

// Prepare validates and normalizes a raw input list into batchable
// transfers, resolving token decimals through the directory.
func Prepare(inputs []TransferInput, dir *tokens.Directory, chain, network string) ([]Transfer, error) {
	if err := Validate(inputs); err != nil {
		return nil, err
	}
	out := make([]Transfer, 0, len(inputs))
	for _, in := range inputs {
		amount, err := NormalizeAmount(in.Amount, dir.Decimals(chain, network, in.Token))
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", in.TransactionID, err)
		}
		out = append(out, Transfer{
			Token:         common.HexToAddress(in.Token),
			To:            common.HexToAddress(in.To),
			Amount:        amount,
			TransactionID: in.TransactionID,
		})
	}
	return out, nil
}
