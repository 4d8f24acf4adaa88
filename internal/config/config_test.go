package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	cfgYAML := `
version: 1
chain:
  rpc_url: ${RPC_URL}
  chain_id: 1
  confirmations: 3
  start_block: "latest-64"
registry: "0x9999999999999999999999999999999999999999"
mailbox:
  capacity: 128
  overflow_policy: drop-oldest
effects:
  retry_budget: 3
  retry_backoff: 250ms
  gas_table:
    REBALANCE: 450000
tx:
  confirm_timeout: 90s
  poll_interval: 2s
  gas_bump_percent: 12
  max_resubmits: 3
statesync:
  timeframes: [60, 300]
notify:
  - type: slack
    webhook_url: ${SLACK_HOOK}
`
	path := writeConfig(t, cfgYAML)
	t.Setenv("RPC_URL", "http://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Chain.RPCURL; got != "http://example-rpc" {
		t.Fatalf("rpc_url not interpolated, got %q", got)
	}
	if cfg.Chain.ChainID != 1 || cfg.Chain.Confirmations != 3 {
		t.Fatalf("chain = %+v", cfg.Chain)
	}
	if cfg.DBPath != "semsee.db" {
		t.Fatalf("db_path default = %q", cfg.DBPath)
	}
	if got := cfg.Effects.Backoff(); got != 250*time.Millisecond {
		t.Fatalf("backoff = %v", got)
	}
	if got := cfg.Tx.ConfirmTimeoutDuration(); got != 90*time.Second {
		t.Fatalf("confirm timeout = %v", got)
	}
	if cfg.Effects.GasTable["REBALANCE"] != 450000 {
		t.Fatalf("gas table = %+v", cfg.Effects.GasTable)
	}
	if cfg.Signer.Env() != DefaultSignerEnv {
		t.Fatalf("signer env = %q", cfg.Signer.Env())
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgYAML := `
version: 1
chain:
  rpc_url: ${SEMSEE_UNSET_RPC_URL}
  chain_id: 1
`
	path := writeConfig(t, cfgYAML)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing env to fail")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing version",
			body: "chain:\n  rpc_url: http://x\n  chain_id: 1\n",
			want: "version",
		},
		{
			name: "missing rpc url",
			body: "version: 1\nchain:\n  chain_id: 1\n",
			want: "rpc_url",
		},
		{
			name: "missing chain id",
			body: "version: 1\nchain:\n  rpc_url: http://x\n",
			want: "chain_id",
		},
		{
			name: "bad overflow policy",
			body: "version: 1\nchain:\n  rpc_url: http://x\n  chain_id: 1\nmailbox:\n  overflow_policy: drop-random\n",
			want: "overflow_policy",
		},
		{
			name: "bad backoff",
			body: "version: 1\nchain:\n  rpc_url: http://x\n  chain_id: 1\neffects:\n  retry_backoff: soon\n",
			want: "retry_backoff",
		},
		{
			name: "zero gas limit",
			body: "version: 1\nchain:\n  rpc_url: http://x\n  chain_id: 1\neffects:\n  gas_table:\n    SWAP: 0\n",
			want: "gas_table",
		},
		{
			name: "zero timeframe",
			body: "version: 1\nchain:\n  rpc_url: http://x\n  chain_id: 1\nstatesync:\n  timeframes: [60, 0]\n",
			want: "timeframe",
		},
		{
			name: "notify missing url",
			body: "version: 1\nchain:\n  rpc_url: http://x\n  chain_id: 1\nnotify:\n  - type: webhook\n",
			want: "url",
		},
		{
			name: "notify unknown type",
			body: "version: 1\nchain:\n  rpc_url: http://x\n  chain_id: 1\nnotify:\n  - type: pager\n",
			want: "unsupported",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestNotifyWebhookDefaultsMethod(t *testing.T) {
	cfgYAML := `
version: 1
chain:
  rpc_url: http://x
  chain_id: 1
notify:
  - type: webhook
    url: http://alerts.internal/hook
`
	path := writeConfig(t, cfgYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Notify[0].Method != "POST" {
		t.Fatalf("method = %q, want POST", cfg.Notify[0].Method)
	}
}

func TestLoadReadsSiblingDotEnv(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	cfgYAML := `
version: 1
chain:
  rpc_url: ${SEMSEE_DOTENV_RPC}
  chain_id: 1
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	envPath := filepath.Join(tmp, ".env")
	if err := os.WriteFile(envPath, []byte("SEMSEE_DOTENV_RPC=http://from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("SEMSEE_DOTENV_RPC") })

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.RPCURL != "http://from-dotenv" {
		t.Fatalf("rpc_url = %q", cfg.Chain.RPCURL)
	}
}
