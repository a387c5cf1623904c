package config

// DefaultYAML returns the starter config written by `actiongate init-policy`.
// Every key mirrors a default applied by Load.
func DefaultYAML() string {
	return defaultYAML
}

const defaultYAML = `# actiongate runtime configuration
#
# Every key can be overridden from the environment with the ACTIONGATE_
# prefix, e.g. ACTIONGATE_SERVER_ADDR=127.0.0.1:9000.

policy:
  path: ~/.actiongate/policy.yaml

audit:
  path: ~/.actiongate/audit/audit.jsonl
  retry_attempts: 3
  retry_delay: 50ms
  buffer_size: 1024

confirm:
  # Used when the policy does not set confirm_ttl.
  ttl: 5m
  sweep_interval: 5s

executor:
  handler_timeout: 30s
  breaker_failures: 5
  breaker_cooldown: 30s
  # Extra denylist patterns merged over the built-in set.
  denylist_path: ""

killswitch:
  state_path: ~/.actiongate/killswitch

guard:
  lockdown_timeout: 10s

server:
  addr: 127.0.0.1:7420
  requests_per_second: 20
  burst: 40
  read_timeout: 10s
  write_timeout: 60s

logger:
  level: info
  format: console

# Bind policy actions to argv templates. {name} is replaced with the
# argument of that name; no shell is involved. get_status is built in.
#
# handlers:
#   take_screenshot:
#     command: [screencapture, -x, "{path}"]
handlers: {}

# Webhooks notified of security events (guard violations, lockdowns, kill
# switch changes). events lists event names, or "*" for all.
#
# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack
#     events: [guard_lockdown, killswitch_killed]
alerts: []
`
