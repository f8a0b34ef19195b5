package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Zerodha OMS Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Default product type: MIS, CNC, NRML
default_product = "MIS"
# Default exchange: NSE, NFO
default_exchange = "NFO"

[oms]
# SQLite database holding orders, events and the intent queue.
# Defaults to oms.db next to this file.
# db_path = "/var/lib/zerodha-oms/oms.db"
# Order watcher cycle
poll_interval = "1s"
# Intent consumer poll
intent_poll_interval = "1s"
# How long a basket waits for its legs to settle (0 disables waiting)
settle_timeout = "30s"
# Rebuild the execution guard from the broker before serving
reconcile_on_start = true
# Fire stop-loss, target and trailing-stop exits
rule_exits = true
# Timeout for a single broker call
broker_timeout = "10s"
# Consecutive broker failures before the circuit opens
breaker_threshold = 5
breaker_reset_after = "30s"

[risk]
enabled = true
# Daily loss limit in INR
daily_loss_limit = 5000.0
# Maximum number of open positions
max_open_positions = 10
# Liquidate everything when a limit is breached
force_exit_on_breach = true
check_interval = "5s"
# Restrict forced exits to one product (empty = all intraday products)
exit_product = ""

[market]
# Market snapshot provider: "store" or "ticker"
provider = "store"
# Prices older than this are ignored by rule exits
max_age = "1m"
# Symbols the ticker subscribes to (EXCHANGE:SYMBOL)
watchlist = []

[api]
# Serve the HTTP intake API from "oms run"
enabled = false
listen = "127.0.0.1:8088"
# HMAC secret for bearer tokens (empty disables auth)
jwt_secret = ""
rate_limit = 5.0
rate_burst = 10

[security]
# Enable read-only mode (blocks all order registration)
read_only_mode = false
# Enable audit logging for all trading actions
audit_enabled = true

[logging]
level = "info"
console = true
max_size_mb = 100
max_backups = 5
max_age_days = 30

[notifications]
# Push order rejections, orphan broker orders and risk exits
enabled = false
# "all" or "errors_only"
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
# Or set OMS_TELEGRAM_TOKEN
bot_token = ""
chat_id = ""
`

const credentialsTemplate = `# Zerodha OMS Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[zerodha]
api_key = ""
api_secret = ""
user_id = ""
access_token = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
