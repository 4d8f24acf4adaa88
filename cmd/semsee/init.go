package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1

chain:
  rpc_url: ${SEMSEE_RPC_URL}
  chain_id: 1
  confirmations: 3
  # "" or "0" starts at genesis; "latest-64" starts 64 blocks behind
  # the head; a plain number is an absolute height.
  start_block: "latest-64"

# Address of the on-chain store registry. Leave empty to skip store
# resolution.
registry: ""

db_path: semsee.db

signer:
  # Name of the environment variable holding the hex private key.
  key_env: SEMSEE_SIGNER_KEY

mailbox:
  capacity: 256
  # drop-oldest | drop-newest | reject
  overflow_policy: reject

effects:
  retry_budget: 3
  retry_backoff: 500ms
  # Per action type gas ceiling; actions without an entry are rejected.
  gas_table:
    REBALANCE: 450000
    SWAP: 300000

tx:
  confirm_timeout: 90s
  poll_interval: 2s
  gas_bump_percent: 12
  max_resubmits: 3

statesync:
  # OHLC bucket widths in seconds.
  timeframes: [60, 300, 3600]

# Operator alerts for strategy log events and failed effects.
notify: []
#  - type: slack
#    webhook_url: ${SLACK_WEBHOOK}
#  - type: webhook
#    url: https://alerts.example.com/hook
#    method: POST
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil {
			return fmt.Errorf("%s already exists, not overwriting", cfgPath)
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		return nil
	},
}
