// Package multicall fuses several same-token transfers into one aggregate
// call against a Multicall3-style contract: validation, amount
// normalization, call encoding, gas estimation and batch splitting.
package multicall

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const multicallABIJSON = `[
	{"inputs":[{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bool","name":"allowFailure","type":"bool"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],"name":"aggregate3","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"payable","type":"function"}
]`

var (
	erc20ABI     abi.ABI
	multicallABI abi.ABI
)

func init() {
	var err error
	if erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON)); err != nil {
		panic(fmt.Sprintf("bad erc20 abi: %v", err))
	}
	if multicallABI, err = abi.JSON(strings.NewReader(multicallABIJSON)); err != nil {
		panic(fmt.Sprintf("bad multicall abi: %v", err))
	}
}

// Call3 mirrors the Multicall3 Call3 tuple.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result mirrors the Multicall3 Result tuple, in call order.
type Result struct {
	Success    bool
	ReturnData []byte
}

// Transfer is one validated, normalized member of a batch. Amount is in base
// units.
type Transfer struct {
	Token         common.Address
	To            common.Address
	Amount        *big.Int
	TransactionID string
}

// Fingerprint groups transfers by token for batching.
func (t Transfer) Fingerprint() string {
	return strings.ToLower(t.Token.Hex())
}

// EncodeTransferFrom packs erc20.transferFrom(sender, recipient, amount).
func EncodeTransferFrom(sender, recipient common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transferFrom", sender, recipient, amount)
}

// EncodeTransfer packs erc20.transfer(recipient, amount), used by
// single-mode token withdrawals.
func EncodeTransfer(recipient common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", recipient, amount)
}

// BuildCalls encodes each transfer as a transferFrom from the executing
// address and wraps it in a Call3 targeting the token contract.
func BuildCalls(transfers []Transfer, sender common.Address, allowFailure bool) ([]Call3, error) {
	calls := make([]Call3, 0, len(transfers))
	for _, t := range transfers {
		data, err := EncodeTransferFrom(sender, t.To, t.Amount)
		if err != nil {
			return nil, fmt.Errorf("encode transfer %s: %w", t.TransactionID, err)
		}
		calls = append(calls, Call3{Target: t.Token, AllowFailure: allowFailure, CallData: data})
	}
	return calls, nil
}

// EncodeAggregate packs aggregate3(calls). An empty call list is valid and
// encodes an empty array.
func EncodeAggregate(calls []Call3) ([]byte, error) {
	if calls == nil {
		calls = []Call3{}
	}
	return multicallABI.Pack("aggregate3", calls)
}

// DecodeCalls is the left inverse of EncodeAggregate: it recovers the call
// list from aggregate3 calldata.
func DecodeCalls(calldata []byte) ([]Call3, error) {
	method := multicallABI.Methods["aggregate3"]
	if len(calldata) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(calldata))
	}
	if !strings.EqualFold(common.Bytes2Hex(calldata[:4]), common.Bytes2Hex(method.ID)) {
		return nil, fmt.Errorf("selector mismatch: %x", calldata[:4])
	}
	vals, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3 calldata: %w", err)
	}
	calls := *abi.ConvertType(vals[0], new([]Call3)).(*[]Call3)
	if calls == nil {
		calls = []Call3{}
	}
	return calls, nil
}

// DecodeResults unpacks the aggregate3 return data into per-call results.
func DecodeResults(ret []byte) ([]Result, error) {
	vals, err := multicallABI.Unpack("aggregate3", ret)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3 result: %w", err)
	}
	results := *abi.ConvertType(vals[0], new([]Result)).(*[]Result)
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

// TotalAmount sums the base-unit amounts of the transfers.
func TotalAmount(transfers []Transfer) *big.Int {
	total := new(big.Int)
	for _, t := range transfers {
		total.Add(total, t.Amount)
	}
	return total
}
