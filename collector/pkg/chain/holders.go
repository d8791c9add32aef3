package chain

import (
	"strconv"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
	"github.com/tidwall/gjson"
)

// ParseHolders extracts owner and raw balance from token accounts. Accounts returned as
// jsonParsed are read from their parsed info; binary accounts are decoded as SPL token accounts.
// Malformed accounts are skipped.
func ParseHolders(accounts rpc.GetProgramAccountsResult) []distribution.Holder {
	holders := make([]distribution.Holder, 0, len(accounts))
	for _, acct := range accounts {
		if acct == nil || acct.Account == nil || acct.Account.Data == nil {
			continue
		}
		if raw := acct.Account.Data.GetRawJSON(); len(raw) > 0 {
			if h, ok := parseJSONHolder(raw); ok {
				holders = append(holders, h)
			}
			continue
		}
		if h, ok := parseBinaryHolder(acct.Account.Data.GetBinary()); ok {
			holders = append(holders, h)
		}
	}
	return holders
}

func parseJSONHolder(raw []byte) (distribution.Holder, bool) {
	info := gjson.GetBytes(raw, "parsed.info")
	owner, err := solana.PublicKeyFromBase58(info.Get("owner").String())
	if err != nil {
		return distribution.Holder{}, false
	}
	amount, err := strconv.ParseUint(info.Get("tokenAmount.amount").String(), 10, 64)
	if err != nil {
		return distribution.Holder{}, false
	}
	return distribution.Holder{Owner: owner, Balance: amount}, true
}

func parseBinaryHolder(data []byte) (distribution.Holder, bool) {
	if len(data) < tokenAccountSize {
		return distribution.Holder{}, false
	}
	var acc token.Account
	if err := acc.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return distribution.Holder{}, false
	}
	return distribution.Holder{Owner: acc.Owner, Balance: acc.Amount}, true
}
