package cfg

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	PostgresConnectionString string `env:"POSTGRES_CONNECTION_STRING"`
	// InMemoryStore keeps projects and API keys in process memory, local development only.
	InMemoryStore bool `env:"IN_MEMORY_STORE" envDefault:"false"`

	RedisURL string `env:"REDIS_URL"`

	// SessionJWTSecrets is a list of secrets used to verify the session JWT.
	// More secrets are possible in the case of JWT secret rotation where we need to accept
	// tokens signed with the old secret for some time.
	SessionJWTSecrets []string `env:"SESSION_JWT_SECRETS"`

	StorageProvider         string `env:"STORAGE_PROVIDER" envDefault:"Local"`
	ArtifactsBucketName     string `env:"ARTIFACTS_BUCKET_NAME"`
	LocalArtifactsPath      string `env:"LOCAL_ARTIFACTS_PATH" envDefault:"/tmp/research/artifacts"`
	TemplateCacheBucketName string `env:"TEMPLATE_CACHE_BUCKET_NAME"`
	LocalTemplateCachePath  string `env:"LOCAL_TEMPLATE_CACHE_PATH" envDefault:"/tmp/research/templates"`

	TemplatePath       string `env:"TEMPLATE_PATH"`
	TemplateContextDir string `env:"TEMPLATE_CONTEXT_DIR" envDefault:"./template"`
	GenerationCommand  string `env:"GENERATION_COMMAND" envDefault:"python /home/user/generate.py"`

	BuildStepTimeout     time.Duration `env:"BUILD_STEP_TIMEOUT" envDefault:"10m"`
	SandboxBootTimeout   time.Duration `env:"SANDBOX_BOOT_TIMEOUT" envDefault:"60s"`
	GenerationTimeout    time.Duration `env:"GENERATION_TIMEOUT" envDefault:"5m"`
	CollectTimeout       time.Duration `env:"COLLECT_TIMEOUT" envDefault:"2m"`
	ArtifactFetchTimeout time.Duration `env:"ARTIFACT_FETCH_TIMEOUT" envDefault:"60s"`
	StaleRunTimeout      time.Duration `env:"STALE_RUN_TIMEOUT" envDefault:"30m"`

	// ProjectCreateRateLimit is the number of projects a user may create per minute, enforced through Redis.
	ProjectCreateRateLimit int `env:"PROJECT_CREATE_RATE_LIMIT" envDefault:"10"`

	DefaultRedirectURL string `env:"DEFAULT_REDIRECT_URL" envDefault:"https://e2b.dev"`
	APISubdomain       string `env:"API_SUBDOMAIN" envDefault:"api"`

	// ShutdownDrainDelay keeps the server answering with an unhealthy status before it
	// stops accepting connections, so load balancers notice first.
	ShutdownDrainDelay time.Duration `env:"SHUTDOWN_DRAIN_DELAY" envDefault:"15s"`
}

func Parse() (Config, error) {
	var config Config
	err := env.Parse(&config)
	return config, err
}
