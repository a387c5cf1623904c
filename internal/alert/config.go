package alert

// Config defines a webhook alert destination.
type Config struct {
	URL     string            `mapstructure:"url"     yaml:"url"     json:"url"`
	Format  string            `mapstructure:"format"  yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `mapstructure:"events"  yaml:"events"  json:"events"` // event names, or "*" for all
	Headers map[string]string `mapstructure:"headers" yaml:"headers" json:"headers"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp   string            `json:"timestamp"`
	Event       string            `json:"event"`
	Severity    string            `json:"severity"`
	Action      string            `json:"action,omitempty"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
	PolicyHash  string            `json:"policy_hash"`
}
