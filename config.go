package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Encryption selects how the connection to the IMAP server is secured.
type Encryption string

const (
	EncryptionNone     Encryption = "none"
	EncryptionSSL      Encryption = "ssl"
	EncryptionStartTLS Encryption = "starttls"
)

// CertificateCheck selects how strictly the server certificate is verified.
type CertificateCheck string

const (
	CertCheckNone     CertificateCheck = "none"
	CertCheckOptional CertificateCheck = "optional"
	CertCheckRequired CertificateCheck = "required"
)

// envPrefix marks configuration keys that become extra callback environment
// variables. "env_my_var: test1" turns into MY_VAR=test1.
const envPrefix = "env_"

// MailboxConfig is the immutable per-mailbox configuration. It is loaded
// once and shared read-only with the watcher that owns the session.
type MailboxConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"`

	// IgnoreRecentFlag makes every message above the marker qualify, even
	// without \Recent. Covers mail moved back into the folder, which the
	// strict check would miss.
	IgnoreRecentFlag bool `yaml:"ignore_recent_flag"`

	Encryption        Encryption       `yaml:"encryption"`
	HostnameCheck     bool             `yaml:"encryption_hostname_check"`
	CertificateCheck  CertificateCheck `yaml:"encryption_certificate_check"`
	CertificateCAFile string           `yaml:"encryption_certificate_ca_file"`

	// OnNewMessage is the command launched for every qualifying message.
	// Empty means no callback.
	OnNewMessage string `yaml:"on_new_message"`

	Notify        bool   `yaml:"notify"`
	NotifyIcon    string `yaml:"notify_icon"`
	NotifySound   string `yaml:"notify_sound"`
	NotifyTimeout int32  `yaml:"notify_timeout"`

	// Env holds the extra callback variables collected from env_* keys,
	// prefix stripped and upper-cased. Resolved once at load time so the
	// callback environment is fully determined before anything launches.
	Env map[string]string `yaml:"-"`
}

func (m *MailboxConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain MailboxConfig
	p := plain{
		Host:             "localhost",
		Port:             143,
		Folder:           "INBOX",
		Encryption:       EncryptionNone,
		HostnameCheck:    true,
		CertificateCheck: CertCheckRequired,
	}
	if err := value.Decode(&p); err != nil {
		return err
	}

	var raw map[string]yaml.Node
	if err := value.Decode(&raw); err != nil {
		return err
	}
	env := make(map[string]string)
	for key, node := range raw {
		if !strings.HasPrefix(strings.ToLower(key), envPrefix) {
			continue
		}
		var v string
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		env[strings.ToUpper(strings.TrimSpace(key[len(envPrefix):]))] = strings.TrimSpace(v)
	}

	*m = MailboxConfig(p)
	m.Env = env
	return nil
}

// Addr is the host:port dial target.
func (m *MailboxConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

func (m *MailboxConfig) normalize() error {
	m.Name = strings.TrimSpace(m.Name)
	m.Host = strings.TrimSpace(m.Host)
	m.Folder = strings.TrimSpace(m.Folder)
	m.Username = strings.TrimSpace(m.Username)
	m.CertificateCAFile = strings.TrimSpace(m.CertificateCAFile)
	if m.Name == "" {
		m.Name = m.Host
	}
	if m.Port < 1 || m.Port > 65535 {
		return &ConfigurationError{Mailbox: m.Name, Msg: fmt.Sprintf("invalid port %d", m.Port)}
	}
	switch m.Encryption {
	case EncryptionNone, EncryptionSSL, EncryptionStartTLS:
	default:
		return &ConfigurationError{Mailbox: m.Name, Msg: fmt.Sprintf("unknown encryption mode %q", m.Encryption)}
	}
	switch m.CertificateCheck {
	case CertCheckNone, CertCheckOptional, CertCheckRequired:
	default:
		return &ConfigurationError{Mailbox: m.Name, Msg: fmt.Sprintf("unknown certificate check mode %q", m.CertificateCheck)}
	}
	return nil
}

// Configuration is the whole daemon configuration file.
type Configuration struct {
	Mailboxes []MailboxConfig `yaml:"mailboxes"`
}

// LoadConfiguration reads and validates the YAML configuration. Any error
// here is fatal for the process; nothing has been started yet.
func LoadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf Configuration
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, &ConfigurationError{Msg: err.Error()}
	}
	seen := make(map[string]bool, len(conf.Mailboxes))
	for i := range conf.Mailboxes {
		if err := conf.Mailboxes[i].normalize(); err != nil {
			return nil, err
		}
		name := conf.Mailboxes[i].Name
		if seen[name] {
			return nil, &ConfigurationError{Mailbox: name, Msg: "duplicate mailbox name"}
		}
		seen[name] = true
	}
	return &conf, nil
}
