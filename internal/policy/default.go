package policy

// DefaultPolicyYAML returns the starter policy written by `actiongate init-policy`.
func DefaultPolicyYAML() string {
	return defaultPolicyYAML
}

const defaultPolicyYAML = `# actiongate policy
#
# Loaded once at startup. Any error in this file aborts startup;
# restart the process after editing.
#
# Risk tiers:
#   0 = execute immediately
#   1 = execute, soft confirmation is advisory only
#   2 = challenge-response confirmation (requires_confirm: true)
#   3 = always denied (never bind a handler)

version: 1

# How long a confirmation challenge stays valid.
confirm_ttl: 300s

# Named filesystem roots that path arguments must resolve under.
roots:
  screenshots: ~/Pictures/actiongate
  projects: ~/Projects

# Closed sets of literal values for enum arguments (case-sensitive).
allowlists:
  apps:
    - Visual Studio Code
    - Google Chrome
    - Slack
  screen_regions:
    - full
    - window
    - selection
  git_remotes:
    - origin
  services:
    - backend

# Sensitive-resource guard.
guard:
  volume: /Volumes/Finance
  deny_paths:
    - /Volumes/Finance
    - ~/Documents/Finance
  keywords:
    - invoice
    - bank
    - tax
    - salary
    - iban
  apps:
    - Banking
    - Quicken
  domains:
    - paypal.com
    - stripe.com
    - bankofamerica.com

# Calls per rolling hour when an action does not set rate_limit.
rate_defaults:
  per_hour: 60
  by_risk:
    2: 10

actions:
  get_status:
    risk: 0
    description: Report engine and system status
    rate_limit: 120

  take_screenshot:
    risk: 0
    description: Capture the screen into the screenshots root
    rate_limit: 30
    args:
      - name: region
        type: enum
        values_from: screen_regions
        optional: true
      - name: path
        type: path
        root: screenshots

  open_app:
    risk: 1
    description: Open an allowlisted application
    rate_limit: 20
    args:
      - name: app
        type: enum
        values_from: apps

  tail_log:
    risk: 0
    description: Show the last lines of a project log file
    args:
      - name: path
        type: path
        root: projects
      - name: lines
        type: integer
        min: 1
        max: 500
        optional: true

  git_commit:
    risk: 1
    description: Commit staged changes in a project repository
    args:
      - name: repo
        type: path
        root: projects
      - name: message
        type: string
        min_length: 3
        max_length: 200
        pattern: '[^\x00-\x1f]+'

  git_push:
    risk: 2
    requires_confirm: true
    description: Push the current branch to an allowlisted remote
    args:
      - name: repo
        type: path
        root: projects
      - name: remote
        type: enum
        values_from: git_remotes

  restart_service:
    risk: 2
    requires_confirm: true
    description: Restart a local service
    rate_limit: 5
    args:
      - name: service
        type: enum
        values_from: services

  run_shell_command:
    risk: 3
    description: Arbitrary shell execution
    deny_reason: arbitrary shell commands are never executed

  delete_files:
    risk: 3
    description: Recursive file deletion
    deny_reason: destructive filesystem operations are never executed

  sudo_command:
    risk: 3
    description: Privilege escalation
    deny_reason: privilege escalation is never executed
`
