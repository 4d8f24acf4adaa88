package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/semsee/semsee/internal/config"
)

const defaultHTTPTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping the RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		if cfg.Registry != "" && !common.IsHexAddress(cfg.Registry) {
			return fmt.Errorf("registry %q is not a valid address", cfg.Registry)
		}

		client := &http.Client{Timeout: defaultHTTPTimeout}
		chainID, err := pingEVM(cmd.Context(), client, cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("chain: %w", err)
		}
		if chainID != cfg.Chain.ChainID {
			return fmt.Errorf("chain: endpoint reports chainId %d, config says %d", chainID, cfg.Chain.ChainID)
		}
		fmt.Fprintf(out, "- chain: chainId %d OK\n", chainID)

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func pingEVM(ctx context.Context, client *http.Client, url string) (uint64, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_chainId",
		"params":  []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call eth_chainId: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return 0, fmt.Errorf("decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return 0, fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	if rpcResp.Result == "" {
		return 0, fmt.Errorf("empty chainId result")
	}

	id, err := strconv.ParseUint(strings.TrimPrefix(rpcResp.Result, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chainId %q: %w", rpcResp.Result, err)
	}
	return id, nil
}
