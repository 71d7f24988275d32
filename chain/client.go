// Package chain implements the Octane gateway collaborators consumed by the
// escrow engine: deposit verification and transfer broadcast. Transfers are
// signed locally with the session seed; only the signed transaction ever
// leaves the process.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"octescrow/crypto"
)

// Client talks to the Octane chain gateway over JSON HTTP. It implements
// escrow.DepositVerifier and escrow.Broadcaster.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	nowFn      func() time.Time
}

// NewClient constructs a gateway client. A non-positive timeout defaults to
// thirty seconds; the timeout bounds each individual gateway call.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("chain: gateway url required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		nowFn:      time.Now,
	}, nil
}

type verifyRequest struct {
	TxHash         string `json:"txHash"`
	Address        string `json:"address"`
	Amount         string `json:"amount"`
	EncodedMessage string `json:"encodedMessage"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// VerifyDeposit asks the gateway whether the transaction deposited the
// expected amount to the escrow address with the session payload attached.
func (c *Client) VerifyDeposit(ctx context.Context, txHash, expectedAddress string, expectedAmount *big.Int, expectedEncodedMessage string) (bool, error) {
	req := verifyRequest{
		TxHash:         txHash,
		Address:        expectedAddress,
		Amount:         amountString(expectedAmount),
		EncodedMessage: expectedEncodedMessage,
	}
	resp := verifyResponse{}
	if err := c.post(ctx, "/v1/deposits/verify", req, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

type transferBody struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

type transferRequest struct {
	Transfer  transferBody `json:"transfer"`
	PublicKey string       `json:"publicKey"`
	Signature string       `json:"signature"`
}

type transferResponse struct {
	TxHash string `json:"txHash"`
}

// SignAndSend signs a transfer from the seed-controlled escrow wallet and
// broadcasts it through the gateway, returning the transaction hash. No
// retry is attempted; the escrow engine owns retry semantics.
func (c *Client) SignAndSend(ctx context.Context, signingSeed []byte, destination string, amount *big.Int) (string, error) {
	priv, err := ethcrypto.ToECDSA(signingSeed)
	if err != nil {
		return "", fmt.Errorf("chain: derive signing key: %w", err)
	}
	defer zeroKey(priv.D)

	from, ok := crypto.AddressFromSeed(signingSeed)
	if !ok {
		return "", fmt.Errorf("chain: seed does not derive a valid escrow address")
	}
	body := transferBody{
		From:      from,
		To:        destination,
		Amount:    amountString(amount),
		Timestamp: c.nowFn().Unix(),
	}
	canonical, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("chain: encode transfer: %w", err)
	}
	digest := ethcrypto.Keccak256(canonical)
	sig, err := ethcrypto.Sign(digest, priv)
	if err != nil {
		return "", fmt.Errorf("chain: sign transfer: %w", err)
	}

	req := transferRequest{
		Transfer:  body,
		PublicKey: hex.EncodeToString(ethcrypto.CompressPubkey(&priv.PublicKey)),
		Signature: hex.EncodeToString(sig),
	}
	resp := transferResponse{}
	if err := c.post(ctx, "/v1/transfers", req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.TxHash) == "" {
		return "", fmt.Errorf("chain: gateway returned empty tx hash")
	}
	return resp.TxHash, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("chain: encode request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("chain: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chain: %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("chain: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("chain: decode response: %w", err)
	}
	return nil
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func zeroKey(d *big.Int) {
	if d != nil {
		d.SetInt64(0)
	}
}
