package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
	"github.com/veldt-labs/tokenhall/internal/platform/timeouts"
)

// Oracle reads token metadata and wallet balances from the external balance
// oracle. The oracle is untrusted and unreliable: callers skip a refresh
// cycle on failure instead of propagating a crash.
type Oracle struct {
	baseURL    string
	httpClient *http.Client
}

// NewOracle creates an oracle client for the given base URL.
func NewOracle(baseURL string) *Oracle {
	return &Oracle{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: timeouts.Request,
		},
	}
}

// TokenData describes one token mint.
type TokenData struct {
	Decimals int    `json:"decimals"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
}

// WalletBalance is one mint's raw balance in the smallest on-chain unit.
type WalletBalance struct {
	Mint    string `json:"mint"`
	Balance int64  `json:"balance"`
}

// TokenData fetches decimals and display metadata for one mint.
func (o *Oracle) TokenData(ctx context.Context, mint string) (TokenData, error) {
	mint = strings.TrimSpace(mint)
	if mint == "" {
		return TokenData{}, apperrors.New(apperrors.CodeInvalid, "token mint is required")
	}

	var data TokenData
	if err := o.get(ctx, "/tokens/"+url.PathEscape(mint), &data); err != nil {
		return TokenData{}, err
	}
	if data.Decimals < 0 {
		return TokenData{}, apperrors.New(apperrors.CodeInvalid, "oracle returned negative decimals")
	}
	return data, nil
}

// WalletBalances fetches all raw token balances held by one wallet.
func (o *Oracle) WalletBalances(ctx context.Context, address string) ([]WalletBalance, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, apperrors.New(apperrors.CodeInvalid, "wallet address is required")
	}

	var balances []WalletBalance
	if err := o.get(ctx, "/wallets/"+url.PathEscape(address)+"/balances", &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

func (o *Oracle) get(ctx context.Context, path string, out any) error {
	if o == nil || o.httpClient == nil || o.baseURL == "" {
		return apperrors.New(apperrors.CodeUnknown, "oracle is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalid, "build oracle request", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransient, fmt.Sprintf("call oracle %s", path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.CodeFromHTTPStatus(resp.StatusCode), fmt.Sprintf("oracle %s returned status %d", path, resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeTransient, "decode oracle response", err)
	}
	return nil
}
