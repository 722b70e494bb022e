package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models smartop.yml.
type Config struct {
	Company struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"company"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Reminders     struct {
		Schedule string `yaml:"schedule"`
		Batch    int    `yaml:"batch"`
	} `yaml:"reminders"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WorkflowConfig struct {
	RetryAttempts   int    `yaml:"retry_attempts"`
	DefaultPriority string `yaml:"default_priority"`
	AllowDrafts     bool   `yaml:"allow_drafts"`
}

type NotificationsConfig struct {
	QueueSize int             `yaml:"queue_size"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Redis     struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

// Timeout returns the configured delivery timeout or def.
func (w WebhookConfig) Timeout(def time.Duration) time.Duration {
	if w.TimeoutSeconds > 0 {
		return time.Duration(w.TimeoutSeconds) * time.Second
	}
	return def
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

var requiredRoles = []string{"admin", "manager", "operator"}

var priorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with smartop init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Company.ID == "" {
		return fmt.Errorf("config.company.id is required")
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	for _, role := range requiredRoles {
		if _, ok := c.RBAC.Roles[role]; !ok {
			return fmt.Errorf("config.rbac.roles must include %s", role)
		}
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	if c.Workflow.RetryAttempts < 0 {
		return fmt.Errorf("config.workflow.retry_attempts must not be negative")
	}
	if p := c.Workflow.DefaultPriority; p != "" && !priorities[p] {
		return fmt.Errorf("config.workflow.default_priority %q is not a priority", p)
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	if len(c.Notifications.Kafka.Brokers) > 0 && c.Notifications.Kafka.Topic == "" {
		return fmt.Errorf("config.notifications.kafka.topic is required when brokers are set")
	}
	if s := c.Reminders.Schedule; s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("config.reminders.schedule: %w", err)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// RetryAttempts returns the configured number of attempts, at least one.
func (c *Config) RetryAttempts() int {
	if c == nil || c.Workflow.RetryAttempts <= 0 {
		return 3
	}
	return c.Workflow.RetryAttempts
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "smartop.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(companyID string) string {
	return fmt.Sprintf(defaultTemplate, companyID, companyID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a company.
func Default(companyID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(companyID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `company:
  id: %s
  name: %s

rbac:
  roles:
    admin:
      description: "Full control over the company control lists"
      permissions:
        - control-lists.create
        - control-lists.update
        - control-lists.approve
        - control-lists.reject
        - control-lists.revert
        - control-lists.delete
        - control-lists.view
    manager:
      description: "Plans inspections and decides on completed ones"
      permissions:
        - control-lists.create
        - control-lists.approve
        - control-lists.reject
        - control-lists.revert
        - control-lists.view
    operator:
      description: "Performs inspections"
      permissions:
        - control-lists.update
        - control-lists.view

workflow:
  retry_attempts: 3
  default_priority: medium
  allow_drafts: true

notifications:
  queue_size: 256
  webhooks: []

reminders:
  schedule: "*/15 * * * *"
  batch: 500

log:
  level: info
  format: json

server:
  addr: ":8080"
  base_path: /v1
`
