package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	SSH            SSHConfig
	Node           NodeConfig
	Orchestrator   OrchestratorConfig
	Lifecycle      LifecycleConfig
	Services       ServicesConfig
	InternalSecret string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Schema   string
	SSLMode  string
}

type JWTConfig struct {
	SecretKey string
}

// SSHConfig holds the transport settings for the remote config mutator
type SSHConfig struct {
	KeyPath        string
	DefaultUser    string
	DefaultPort    int
	TimeoutSeconds int
}

// NodeConfig describes the VPN service layout on fleet nodes
type NodeConfig struct {
	VlessPort  int
	VmessPort  int
	TrojanPort int
	ConfigDir  string // drop-in directory for per-account client entries
	Service    string // systemd unit restarted to activate config changes
}

type OrchestratorConfig struct {
	Workers        int
	MaxAttempts    int
	BackoffSeconds int
}

type LifecycleConfig struct {
	IntervalSeconds  int
	RenewalWindowHrs int
	ReconcileSample  int
}

type ServicesConfig struct {
	NotificationServiceURL string
}

func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8006"),
			Mode: getEnv("GIN_MODE", "release"), // 默认为 release 模式
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "saas_user"),
			Password: getEnv("DB_PASSWORD", "saas_pass"),
			DBName:   getEnv("DB_NAME", "saas_db"),
			Schema:   getEnv("DB_SCHEMA", "fleet"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		SSH: SSHConfig{
			KeyPath:        getEnv("SSH_KEY_PATH", "/etc/fleet/ssh/id_ed25519"),
			DefaultUser:    getEnv("SSH_DEFAULT_USER", "root"),
			DefaultPort:    getEnvInt("SSH_DEFAULT_PORT", 22),
			TimeoutSeconds: getEnvInt("SSH_TIMEOUT_SECONDS", 20),
		},
		Node: NodeConfig{
			VlessPort:  getEnvInt("NODE_VLESS_PORT", 443),
			VmessPort:  getEnvInt("NODE_VMESS_PORT", 8443),
			TrojanPort: getEnvInt("NODE_TROJAN_PORT", 2083),
			ConfigDir:  getEnv("NODE_CONFIG_DIR", "/etc/xray/clients.d"),
			Service:    getEnv("NODE_SERVICE", "xray"),
		},
		Orchestrator: OrchestratorConfig{
			Workers:        getEnvInt("ORCH_WORKERS", 4),
			MaxAttempts:    getEnvInt("ORCH_MAX_ATTEMPTS", 3),
			BackoffSeconds: getEnvInt("ORCH_BACKOFF_SECONDS", 2),
		},
		Lifecycle: LifecycleConfig{
			IntervalSeconds:  getEnvInt("LIFECYCLE_INTERVAL_SECONDS", 300),
			RenewalWindowHrs: getEnvInt("LIFECYCLE_RENEWAL_WINDOW_HOURS", 72),
			ReconcileSample:  getEnvInt("LIFECYCLE_RECONCILE_SAMPLE", 20),
		},
		Services: ServicesConfig{
			NotificationServiceURL: getEnv("NOTIFICATION_SERVICE_URL", "http://localhost:8007"),
		},
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	// 日志脱敏: 不记录敏感配置
	log.Printf("[config] Fleet Orchestrator loaded: port=%s db=%s/%s.%s workers=%d",
		cfg.Server.Port, cfg.Database.Host, cfg.Database.DBName, cfg.Database.Schema,
		cfg.Orchestrator.Workers)

	return cfg
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	// 检查 JWT 密钥
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	// 检查内部服务密钥
	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	if c.Orchestrator.Workers < 1 {
		return fmt.Errorf("ORCH_WORKERS must be at least 1")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("ORCH_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// PortFor returns the node port serving the given protocol
func (n *NodeConfig) PortFor(protocol string) int {
	switch protocol {
	case "vmess":
		return n.VmessPort
	case "trojan":
		return n.TrojanPort
	default:
		return n.VlessPort
	}
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
