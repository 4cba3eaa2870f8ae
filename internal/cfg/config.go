package cfg

import (
	"errors"
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
)

const (
	DefCloneRootDir    = "./repos"
	DefClonesPerRepo   = 5
	DefWebhookEndpoint = "/"
)

type Config struct {
	HTTPListenAddr  string `toml:"http_server_listen_addr"`
	HTTPSListenAddr string `toml:"https_server_listen_addr"`
	HTTPSCertFile   string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile    string `toml:"https_ssl_key_file"`

	WebhookEndpoint string `toml:"github_webhook_endpoint"`
	WebhookSecret   string `toml:"github_webhook_secret"`

	CloneRootDir  string `toml:"clone_root_dir"`
	ClonesPerRepo int    `toml:"clones_per_repo"`

	SlackWebhookURL string `toml:"slack_webhook_url"`

	LogFormat  string `toml:"log_format"`
	LogTimeKey string `toml:"log_time_key"`
	LogLevel   string `toml:"log_level"`

	Hosts []*Host     `toml:"github"`
	Jira  *Jira       `toml:"jira"`
	Repos []*Repo     `toml:"repo"`
	Users []*UserHost `toml:"users"`
}

// Host is one github-like hosting platform the daemon talks to.
type Host struct {
	Host     string `toml:"host"`
	APIToken string `toml:"api_token"`
}

// Jira describes the issue tracker and its workflow states.
type Jira struct {
	Host     string `toml:"host"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	ProgressStates   []string `toml:"progress_states"`
	ReviewStates     []string `toml:"review_states"`
	ResolvedStates   []string `toml:"resolved_states"`
	FixedResolutions []string `toml:"fixed_resolutions"`
	FixVersionField  string   `toml:"fix_version_field"`
}

// Repo is the per-repository configuration.
// The admin service owns the persistent table, the daemon only loads
// snapshots of it (here: from the config file).
type Repo struct {
	Host       string `toml:"host"`
	Owner      string `toml:"owner"`
	Repository string `toml:"repository"`

	Channel             string   `toml:"channel"`
	ForcePushNotify     bool     `toml:"force_push_notify"`
	ReleaseBranchPrefix string   `toml:"release_branch_prefix"`
	DisableBackport     bool     `toml:"disable_backport"`
	JiraProjects        []string `toml:"jira_projects"`
}

// UserHost is the login to chat-handle mapping for one host.
type UserHost struct {
	Host  string  `toml:"host"`
	Users []*User `toml:"user"`
}

type User struct {
	GithubLogin string `toml:"github_login"`
	ChatHandle  string `toml:"chat_handle"`
	Muted       bool   `toml:"muted"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.applyDefaults()

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}

func (c *Config) applyDefaults() {
	if c.CloneRootDir == "" {
		c.CloneRootDir = DefCloneRootDir
	}

	if c.ClonesPerRepo == 0 {
		c.ClonesPerRepo = DefClonesPerRepo
	}

	if c.WebhookEndpoint == "" {
		c.WebhookEndpoint = DefWebhookEndpoint
	}
}

func (c *Config) validate() error {
	if c.HTTPListenAddr == "" && c.HTTPSListenAddr == "" {
		return errors.New("http_server_listen_addr or https_server_listen_addr must be set")
	}

	if len(c.Hosts) == 0 {
		return errors.New("at least one [[github]] host must be configured")
	}

	for _, h := range c.Hosts {
		if h.Host == "" {
			return errors.New("github host entry with empty host field")
		}

		if h.APIToken == "" {
			return fmt.Errorf("github host %q has no api_token", h.Host)
		}
	}

	return nil
}

// Token returns the API token for the host, an empty string if the host is
// unknown.
func (c *Config) Token(host string) string {
	for _, h := range c.Hosts {
		if h.Host == host {
			return h.APIToken
		}
	}

	return ""
}
