package configs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	LLM      LLMConfig      `json:"llm"`
	Bidder   BidderConfig   `json:"bidder"`
	Auction  AuctionConfig  `json:"auction"`
	Executor ExecutorConfig `json:"executor"`
	Exchange ExchangeConfig `json:"exchange"`
	Queue    QueueConfig    `json:"queue"`
	Router   RouterConfig   `json:"router"`
	HTTP     HTTPConfig     `json:"http"`
}

type LLMConfig struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
}

type CircuitConfig struct {
	Threshold int `json:"threshold"`
	ResetMs   int `json:"reset_ms"`
	WindowMs  int `json:"window_ms"`
}

type BidderConfig struct {
	CacheTTLMs int           `json:"cache_ttl_ms"`
	Circuit    CircuitConfig `json:"circuit"`
}

type AuctionConfig struct {
	PerBidDeadlineMs int `json:"per_bid_deadline_ms"`
}

type ExecutorConfig struct {
	DefaultTimeoutMs int `json:"default_timeout_ms"`
}

type ExchangeConfig struct {
	Port                    int    `json:"port"`
	Token                   string `json:"token"`
	HeartbeatMs             int    `json:"heartbeat_ms"`
	MissedHeartbeatsToAbort int    `json:"missed_heartbeats_to_abort"`
}

type DefaultQueueConfig struct {
	Concurrency int    `json:"concurrency"`
	MaxSize     int    `json:"max_size"`
	Overflow    string `json:"overflow"`
}

type QueueConfig struct {
	Default DefaultQueueConfig `json:"default"`
}

type RouterConfig struct {
	ConfirmYes []string `json:"confirm_yes"`
	ConfirmNo  []string `json:"confirm_no"`
}

type HTTPConfig struct {
	Port int `json:"port"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	mgr := &Manager{
		path: path,
		cfg:  defaultConfig(),
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

// Reload re-reads the config file and returns the resulting config. Used by
// the fsnotify watcher.
func (m *Manager) Reload() (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Config{}, err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&fileCfg)
	m.cfg = fileCfg
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

// Validate reports the first structural problem with the config. A non-nil
// error maps to exit code 64 in CLI embeddings.
func Validate(cfg Config) error {
	switch cfg.Queue.Default.Overflow {
	case "error", "drop", "deadletter":
	default:
		return fmt.Errorf("configs: unknown overflow policy %q", cfg.Queue.Default.Overflow)
	}
	if cfg.Queue.Default.Concurrency < 1 {
		return fmt.Errorf("configs: queue concurrency must be >= 1, got %d", cfg.Queue.Default.Concurrency)
	}
	if cfg.Exchange.Port <= 0 || cfg.Exchange.Port > 65535 {
		return fmt.Errorf("configs: exchange port out of range: %d", cfg.Exchange.Port)
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("configs: http port out of range: %d", cfg.HTTP.Port)
	}
	if cfg.Bidder.Circuit.Threshold < 1 {
		return fmt.Errorf("configs: circuit threshold must be >= 1, got %d", cfg.Bidder.Circuit.Threshold)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Bidder: BidderConfig{
			CacheTTLMs: 60000,
			Circuit: CircuitConfig{
				Threshold: 10,
				ResetMs:   30000,
				WindowMs:  60000,
			},
		},
		Auction: AuctionConfig{
			PerBidDeadlineMs: 500,
		},
		Executor: ExecutorConfig{
			DefaultTimeoutMs: 30000,
		},
		Exchange: ExchangeConfig{
			Port:                    3456,
			HeartbeatMs:             5000,
			MissedHeartbeatsToAbort: 2,
		},
		Queue: QueueConfig{
			Default: DefaultQueueConfig{
				Concurrency: 4,
				MaxSize:     64,
				Overflow:    "deadletter",
			},
		},
		Router: RouterConfig{
			ConfirmYes: []string{"yes", "yeah", "yep", "sure", "ok", "okay", "confirm", "do it", "go ahead"},
			ConfirmNo:  []string{"no", "nope", "nah", "don't", "do not", "cancel", "stop"},
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
	}
}

func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.LLM.Provider) == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		cfg.LLM.Model = def.LLM.Model
	}
	if cfg.Bidder.CacheTTLMs <= 0 {
		cfg.Bidder.CacheTTLMs = def.Bidder.CacheTTLMs
	}
	if cfg.Bidder.Circuit.Threshold <= 0 {
		cfg.Bidder.Circuit.Threshold = def.Bidder.Circuit.Threshold
	}
	if cfg.Bidder.Circuit.ResetMs <= 0 {
		cfg.Bidder.Circuit.ResetMs = def.Bidder.Circuit.ResetMs
	}
	if cfg.Bidder.Circuit.WindowMs <= 0 {
		cfg.Bidder.Circuit.WindowMs = def.Bidder.Circuit.WindowMs
	}
	if cfg.Auction.PerBidDeadlineMs <= 0 {
		cfg.Auction.PerBidDeadlineMs = def.Auction.PerBidDeadlineMs
	}
	if cfg.Executor.DefaultTimeoutMs <= 0 {
		cfg.Executor.DefaultTimeoutMs = def.Executor.DefaultTimeoutMs
	}
	if cfg.Exchange.Port <= 0 {
		cfg.Exchange.Port = def.Exchange.Port
	}
	if cfg.Exchange.HeartbeatMs <= 0 {
		cfg.Exchange.HeartbeatMs = def.Exchange.HeartbeatMs
	}
	if cfg.Exchange.MissedHeartbeatsToAbort <= 0 {
		cfg.Exchange.MissedHeartbeatsToAbort = def.Exchange.MissedHeartbeatsToAbort
	}
	if cfg.Queue.Default.Concurrency <= 0 {
		cfg.Queue.Default.Concurrency = def.Queue.Default.Concurrency
	}
	if cfg.Queue.Default.MaxSize <= 0 {
		cfg.Queue.Default.MaxSize = def.Queue.Default.MaxSize
	}
	if strings.TrimSpace(cfg.Queue.Default.Overflow) == "" {
		cfg.Queue.Default.Overflow = def.Queue.Default.Overflow
	}
	if len(cfg.Router.ConfirmYes) == 0 {
		cfg.Router.ConfirmYes = def.Router.ConfirmYes
	}
	if len(cfg.Router.ConfirmNo) == 0 {
		cfg.Router.ConfirmNo = def.Router.ConfirmNo
	}
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = def.HTTP.Port
	}
}
