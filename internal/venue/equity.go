package venue

import (
	"context"
	"fmt"
)

// EquityReader wraps a Client's wallet-balance result (or a full response
// envelope that still carries it under "result") and extracts
// the USDT equity figure, trying a few field names in the order Bybit has
// used across account-type responses.
type EquityReader struct {
	client *Client
}

func NewEquityReader(client *Client) *EquityReader {
	return &EquityReader{client: client}
}

// CurrentEquity satisfies the equity source interfaces used by the
// executor (for sizing) and the risk ledger (for drawdown tracking).
func (r *EquityReader) CurrentEquity(ctx context.Context) (float64, error) {
	resp, err := r.client.WalletBalance(ctx)
	if err != nil {
		return 0, err
	}
	return parseEquity(resp)
}

func parseEquity(resp map[string]any) (float64, error) {
	result, ok := resp["result"].(map[string]any)
	if !ok {
		result = resp
	}
	list, _ := result["list"].([]any)
	if len(list) == 0 {
		return 0, fmt.Errorf("venue: wallet-balance response has no account entries")
	}
	item, _ := list[0].(map[string]any)
	for _, key := range []string{"totalEquity", "equity", "walletBalance"} {
		if v, ok := item[key]; ok {
			if eq, ok := asFloat(v); ok {
				return eq, nil
			}
		}
	}
	coins, _ := item["coin"].([]any)
	for _, c := range coins {
		coin, _ := c.(map[string]any)
		if coin["coin"] != "USDT" {
			continue
		}
		for _, key := range []string{"equity", "walletBalance"} {
			if v, ok := coin[key]; ok {
				if eq, ok := asFloat(v); ok {
					return eq, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("venue: cannot parse equity from wallet-balance response")
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
