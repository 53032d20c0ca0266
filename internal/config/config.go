package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all broker configuration, loaded once from the environment
// with the ODE_ prefix.
type Settings struct {
	HTTPPort int    `envconfig:"HTTP_PORT" default:"3000"`
	WSPort   int    `envconfig:"WS_PORT" default:"8081"`
	DataPath string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/broker.db"`

	// Sandbox settings
	SandboxBackend     string `envconfig:"SANDBOX_BACKEND" default:"auto"`
	DockerHost         string `envconfig:"DOCKER_HOST" default:""`
	SandboxImage       string `envconfig:"SANDBOX_IMAGE" default:"claude-env"`
	SandboxCPULimit    string `envconfig:"SANDBOX_CPU_LIMIT" default:"2000m"`
	SandboxMemoryLimit string `envconfig:"SANDBOX_MEMORY_LIMIT" default:"2Gi"`
	WorkspaceRoot      string `envconfig:"WORKSPACE_ROOT" default:"/app/data/workspaces"`
	AgentCommand       string `envconfig:"AGENT_COMMAND" default:"claude"`

	// Required startup secrets. Absence of either is a fatal configuration
	// error, checked in main before any listener starts.
	TokenSecret     string `envconfig:"TOKEN_SECRET" default:""`
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY" default:""`

	// Path to an optional YAML file overriding the built-in run-command
	// whitelist.
	CommandsPath string `envconfig:"COMMANDS_PATH" default:""`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	StopGracePeriod   time.Duration `envconfig:"STOP_GRACE_PERIOD" default:"10s"`
	ReapInterval      time.Duration `envconfig:"REAP_INTERVAL" default:"10m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("ODE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
