// Package config provides configuration management with encrypted API key storage.
// It supports loading, saving, and hot-reloading of system configuration.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// encryptionKeyEnvVar is the environment variable name for the AES encryption key.
const encryptionKeyEnvVar = "TERMGUIDE_ENCRYPTION_KEY"

// encryptedPrefix marks a value as AES-encrypted in the config file.
const encryptedPrefix = "enc:"

// Config holds all system configuration.
type Config struct {
	Server    ServerConfig        `json:"server"`
	Embedding EmbeddingConfig     `json:"embedding"`
	Index     IndexConfig         `json:"index"`
	Guidance  GuidanceConfig      `json:"guidance"`
	Genres    map[string][]string `json:"genres"`
	Admin     AdminConfig         `json:"admin"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int `json:"port"`
}

// EmbeddingConfig holds embedding service configuration.
type EmbeddingConfig struct {
	Endpoint  string `json:"endpoint"`
	APIKey    string `json:"api_key"`
	ModelName string `json:"model_name"`
}

// IndexConfig holds vector index construction and storage configuration.
type IndexConfig struct {
	DBPath    string `json:"db_path"`
	TopK      int    `json:"top_k"`
	BatchSize int    `json:"batch_size"`
}

// GuidanceConfig holds the confidence gate and negative-anchor tuning.
// All four values are deployment configuration, not compiled constants.
type GuidanceConfig struct {
	ThresholdInject float64 `json:"threshold_inject"`
	ThresholdLog    float64 `json:"threshold_log"`
	AnchorThreshold float64 `json:"anchor_threshold"`
	AnchorPenalty   float64 `json:"anchor_penalty"`
	BulkConcurrency int     `json:"bulk_concurrency"`
}

// AdminConfig holds admin authentication configuration.
type AdminConfig struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// ConfigManager manages loading, saving, and updating configuration.
type ConfigManager struct {
	configPath    string
	config        *Config
	mu            sync.RWMutex
	encryptionKey []byte // 32-byte AES-256 key
}

// NewConfigManager creates a new ConfigManager for the given config file path.
// The AES encryption key is read from the TERMGUIDE_ENCRYPTION_KEY environment
// variable; if unset, a random key is generated and persisted next to the data.
func NewConfigManager(configPath string) (*ConfigManager, error) {
	key, err := getOrCreateEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("encryption key error: %w", err)
	}
	return &ConfigManager{
		configPath:    configPath,
		encryptionKey: key,
	}, nil
}

// NewConfigManagerWithKey creates a ConfigManager with an explicit encryption key (for testing).
func NewConfigManagerWithKey(configPath string, key []byte) (*ConfigManager, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	return &ConfigManager{
		configPath:    configPath,
		encryptionKey: key,
	}, nil
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Embedding: EmbeddingConfig{
			Endpoint:  "https://api.openai.com/v1",
			APIKey:    "",
			ModelName: "text-embedding-3-small",
		},
		Index: IndexConfig{
			DBPath:    "./data/termguide.db",
			TopK:      5,
			BatchSize: 50,
		},
		Guidance: GuidanceConfig{
			ThresholdInject: 0.80,
			ThresholdLog:    0.65,
			AnchorThreshold: 0.82,
			AnchorPenalty:   0.25,
			BulkConcurrency: 6,
		},
		Genres: map[string][]string{
			"cultivation": {"cultivation_realms", "martial_techniques"},
			"wuxia":       {"martial_techniques", "honorifics"},
			"romance":     {"emotional_nuance", "honorifics"},
			"action":      {"action_emphasis"},
		},
		Admin: AdminConfig{
			Username:     "",
			PasswordHash: "",
		},
	}
}

// Load reads the config file from disk and decrypts API keys.
// If the file does not exist, it initializes with default values and saves.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cm.config = DefaultConfig()
			return cm.saveLocked()
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Embedding.APIKey, err = cm.decryptIfNeeded(cfg.Embedding.APIKey); err != nil {
		return fmt.Errorf("decrypt embedding API key: %w", err)
	}

	cm.applyDefaults(&cfg)
	cm.config = &cfg
	return nil
}

// Save writes the current config to disk with API keys encrypted.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.saveLocked()
}

// saveLocked writes config to disk. Caller must hold at least a read lock.
func (cm *ConfigManager) saveLocked() error {
	if cm.config == nil {
		return errors.New("no config loaded")
	}

	// Serialize a copy with the API key encrypted
	out := *cm.config
	out.Embedding.APIKey = cm.encryptIfNeeded(cm.config.Embedding.APIKey)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.config == nil {
		return nil
	}
	c := *cm.config
	// Deep copy the genre routing table
	if cm.config.Genres != nil {
		c.Genres = make(map[string][]string, len(cm.config.Genres))
		for genre, cats := range cm.config.Genres {
			cp := make([]string, len(cats))
			copy(cp, cats)
			c.Genres[genre] = cp
		}
	}
	return &c
}

// Update applies partial updates to the configuration and saves to disk.
// Supported keys: "embedding.endpoint", "embedding.api_key", "embedding.model_name",
// "index.db_path", "index.top_k", "index.batch_size", "guidance.threshold_inject",
// "guidance.threshold_log", "guidance.anchor_threshold", "guidance.anchor_penalty",
// "guidance.bulk_concurrency", "server.port", "admin.username", "admin.password",
// "admin.password_hash", and "genres.<name>".
func (cm *ConfigManager) Update(updates map[string]interface{}) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config == nil {
		cm.config = DefaultConfig()
	}

	for key, val := range updates {
		if err := cm.applyUpdate(key, val); err != nil {
			return fmt.Errorf("update key %q: %w", key, err)
		}
	}

	return cm.saveLocked()
}

func (cm *ConfigManager) applyUpdate(key string, val interface{}) error {
	switch key {
	// Embedding fields
	case "embedding.endpoint":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Embedding.Endpoint = s
	case "embedding.api_key":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Embedding.APIKey = s
	case "embedding.model_name":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Embedding.ModelName = s

	// Index fields
	case "index.db_path":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Index.DBPath = s
	case "index.top_k":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		cm.config.Index.TopK = n
	case "index.batch_size":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		if n < 1 {
			return errors.New("batch_size must be >= 1")
		}
		cm.config.Index.BatchSize = n

	// Guidance fields
	case "guidance.threshold_inject":
		f, err := toFloat64(val)
		if err != nil {
			return err
		}
		cm.config.Guidance.ThresholdInject = f
	case "guidance.threshold_log":
		f, err := toFloat64(val)
		if err != nil {
			return err
		}
		cm.config.Guidance.ThresholdLog = f
	case "guidance.anchor_threshold":
		f, err := toFloat64(val)
		if err != nil {
			return err
		}
		cm.config.Guidance.AnchorThreshold = f
	case "guidance.anchor_penalty":
		f, err := toFloat64(val)
		if err != nil {
			return err
		}
		if f < 0 || f > 1 {
			return errors.New("anchor_penalty must be in [0,1]")
		}
		cm.config.Guidance.AnchorPenalty = f
	case "guidance.bulk_concurrency":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		if n < 1 {
			return errors.New("bulk_concurrency must be >= 1")
		}
		cm.config.Guidance.BulkConcurrency = n

	// Admin fields
	case "admin.username":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Admin.Username = s
	case "admin.password_hash":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		cm.config.Admin.PasswordHash = s
	case "admin.password":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		cm.config.Admin.PasswordHash = string(hash)

	// Server fields
	case "server.port":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		if n < 1 || n > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cm.config.Server.Port = n

	default:
		// Genre routing: genres.<name> = comma-separated or array of categories
		if strings.HasPrefix(key, "genres.") {
			return cm.applyGenreUpdate(key, val)
		}
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

// applyGenreUpdate handles genre routing keys like "genres.cultivation".
func (cm *ConfigManager) applyGenreUpdate(key string, val interface{}) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 || parts[1] == "" {
		return fmt.Errorf("invalid genre config key: %s", key)
	}
	name := parts[1]

	if cm.config.Genres == nil {
		cm.config.Genres = make(map[string][]string)
	}

	switch v := val.(type) {
	case string:
		var cats []string
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cats = append(cats, c)
			}
		}
		cm.config.Genres[name] = cats
	case []interface{}:
		cats := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				cats = append(cats, s)
			}
		}
		cm.config.Genres[name] = cats
	default:
		return errors.New("expected string or array of strings")
	}
	return nil
}

// applyDefaults fills in zero-value fields with defaults.
func (cm *ConfigManager) applyDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Embedding.Endpoint == "" {
		cfg.Embedding.Endpoint = defaults.Embedding.Endpoint
	}
	if cfg.Embedding.ModelName == "" {
		cfg.Embedding.ModelName = defaults.Embedding.ModelName
	}
	if cfg.Index.DBPath == "" {
		cfg.Index.DBPath = defaults.Index.DBPath
	}
	if cfg.Index.TopK == 0 {
		cfg.Index.TopK = defaults.Index.TopK
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = defaults.Index.BatchSize
	}
	if cfg.Guidance.ThresholdInject == 0 {
		cfg.Guidance.ThresholdInject = defaults.Guidance.ThresholdInject
	}
	if cfg.Guidance.ThresholdLog == 0 {
		cfg.Guidance.ThresholdLog = defaults.Guidance.ThresholdLog
	}
	if cfg.Guidance.AnchorThreshold == 0 {
		cfg.Guidance.AnchorThreshold = defaults.Guidance.AnchorThreshold
	}
	if cfg.Guidance.AnchorPenalty == 0 {
		cfg.Guidance.AnchorPenalty = defaults.Guidance.AnchorPenalty
	}
	if cfg.Guidance.BulkConcurrency == 0 {
		cfg.Guidance.BulkConcurrency = defaults.Guidance.BulkConcurrency
	}
	if cfg.Genres == nil {
		cfg.Genres = defaults.Genres
	}
}

// --- AES-GCM encryption helpers ---

// encrypt encrypts plaintext using AES-256-GCM.
func (cm *ConfigManager) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// decrypt decrypts AES-256-GCM encrypted hex string.
func (cm *ConfigManager) decrypt(ciphertextHex string) (string, error) {
	if ciphertextHex == "" {
		return "", nil
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("hex decode: %w", err)
	}
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// encryptIfNeeded encrypts a value and adds the "enc:" prefix.
// Empty strings are returned as-is.
func (cm *ConfigManager) encryptIfNeeded(value string) string {
	if value == "" {
		return ""
	}
	encrypted, err := cm.encrypt(value)
	if err != nil {
		// Fallback: return as-is (should not happen with valid key)
		return value
	}
	return encryptedPrefix + encrypted
}

// decryptIfNeeded decrypts a value if it has the "enc:" prefix.
func (cm *ConfigManager) decryptIfNeeded(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if len(value) > len(encryptedPrefix) && value[:len(encryptedPrefix)] == encryptedPrefix {
		return cm.decrypt(value[len(encryptedPrefix):])
	}
	// Not encrypted (e.g., manually edited config) — return as-is
	return value, nil
}

// --- Encryption key management ---

func getOrCreateEncryptionKey() ([]byte, error) {
	// 1. Check environment variable first
	keyHex := os.Getenv(encryptionKeyEnvVar)
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	// 2. Try to read from persistent key file
	keyFile := "./data/encryption.key"
	if data, err := os.ReadFile(keyFile); err == nil {
		keyHex = strings.TrimSpace(string(data))
		if key, err := hex.DecodeString(keyHex); err == nil && len(key) == 32 {
			return key, nil
		}
	}

	// 3. Generate a new random key and persist it
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	keyHex = hex.EncodeToString(key)
	os.MkdirAll("./data", 0755)
	if err := os.WriteFile(keyFile, []byte(keyHex+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("save encryption key: %w", err)
	}
	return key, nil
}

// --- Type conversion helpers ---

func toFloat64(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", val)
	}
}

func toInt(val interface{}) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case float32:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, err
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", val)
	}
}
