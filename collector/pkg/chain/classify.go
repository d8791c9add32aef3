package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
	"github.com/tidwall/gjson"
)

// System and token program custom error 1: insufficient lamports / insufficient token funds.
const customInsufficientFunds = 1

// TransactionError is an on-chain failure reported for a submitted transaction.
type TransactionError struct {
	Signature solana.Signature
	Err       any
}

func (e *TransactionError) Error() string {
	raw, err := json.Marshal(e.Err)
	if err != nil {
		return fmt.Sprintf("transaction %s failed: %v", e.Signature, e.Err)
	}
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, raw)
}

// Classify maps a submission failure to an error class. The structured transaction error in the
// RPC payload is authoritative; the message text is only consulted when no payload is present.
func Classify(err error) distribution.ErrorClass {
	if err == nil {
		return distribution.ClassOther
	}

	var ce *distribution.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	var txErr *TransactionError
	if errors.As(err, &txErr) {
		if class, ok := classifyPayload(txErr.Err); ok {
			return class
		}
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if class, ok := classifyRPCData(rpcErr.Data); ok {
			return class
		}
		return distribution.ClassifyMessage(rpcErr.Message)
	}

	return distribution.ClassifyMessage(err.Error())
}

func classified(err error) error {
	if err == nil {
		return nil
	}
	return distribution.Classified(Classify(err), err)
}

// classifyRPCData inspects the data attached to a preflight failure, which carries the transaction
// error under "err".
func classifyRPCData(data any) (distribution.ErrorClass, bool) {
	if data == nil {
		return "", false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", false
	}
	txErr := gjson.GetBytes(raw, "err")
	if !txErr.Exists() || txErr.Type == gjson.Null {
		return "", false
	}
	return classifyTransactionError(txErr), true
}

func classifyPayload(v any) (distribution.ErrorClass, bool) {
	if v == nil {
		return "", false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return classifyTransactionError(gjson.ParseBytes(raw)), true
}

func classifyTransactionError(txErr gjson.Result) distribution.ErrorClass {
	if txErr.Type == gjson.String {
		switch txErr.String() {
		case "AlreadyProcessed":
			return distribution.ClassAlreadyProcessed
		case "InsufficientFundsForFee":
			return distribution.ClassInsufficientFunds
		}
		return distribution.ClassOther
	}

	if txErr.Get("InsufficientFundsForRent").Exists() {
		return distribution.ClassInsufficientFunds
	}

	ie := txErr.Get("InstructionError.1")
	switch {
	case !ie.Exists():
	case ie.Type == gjson.String && ie.String() == "InsufficientFunds":
		return distribution.ClassInsufficientFunds
	case ie.Get("Custom").Exists() && ie.Get("Custom").Int() == customInsufficientFunds:
		return distribution.ClassInsufficientFunds
	}
	return distribution.ClassOther
}
