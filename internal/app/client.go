package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// TxOptions address a transaction request at a running service.
type TxOptions struct {
	Addr   string
	Caller string
	Amount string
}

func (a *App) serviceURL(addr string) string {
	if addr == "" {
		addr = a.Config.Server.ListenAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// SubmitMint posts a mint request to a running service and prints the result.
func (a *App) SubmitMint(ctx context.Context, opts TxOptions) error {
	return a.submitTx(ctx, opts.Addr, "/v1/mint", map[string]string{
		"caller":         opts.Caller,
		"reserve_amount": opts.Amount,
	})
}

// SubmitRedeem posts a redeem request to a running service and prints the result.
func (a *App) SubmitRedeem(ctx context.Context, opts TxOptions) error {
	return a.submitTx(ctx, opts.Addr, "/v1/redeem", map[string]string{
		"caller":        opts.Caller,
		"stable_amount": opts.Amount,
	})
}

// SubmitRedeemBond posts a bond redemption to a running service and prints the result.
func (a *App) SubmitRedeemBond(ctx context.Context, opts TxOptions) error {
	return a.submitTx(ctx, opts.Addr, "/v1/redeem-bond", map[string]string{
		"caller":      opts.Caller,
		"bond_amount": opts.Amount,
	})
}

func (a *App) submitTx(ctx context.Context, addr, path string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := a.serviceURL(addr) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	result := make(map[string]string)
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if msg, ok := result["error"]; ok {
			return fmt.Errorf("request rejected: %s", msg)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
