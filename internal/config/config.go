package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/tourney/internal/errors"
)

type Config struct {
	Task        Task        `yaml:"task"`
	Rounds      Rounds      `yaml:"rounds"`
	Concurrency Concurrency `yaml:"concurrency"`
	Teams       []Team      `yaml:"teams"`
	Evaluation  Evaluation  `yaml:"evaluation"`
	Judgment    Judgment    `yaml:"judgment"`
	Timeouts    Timeouts    `yaml:"timeouts"`
	Gateway     Gateway     `yaml:"gateway"`
	Store       Store       `yaml:"store"`
	Results     Results     `yaml:"results"`
	Secrets     Secrets     `yaml:"secrets"`
	Pricing     Pricing     `yaml:"pricing"`
}

type Task struct {
	Query  string `yaml:"query"`
	Format string `yaml:"format"`
}

type Rounds struct {
	Max int `yaml:"max"`
	// Cap is an orchestrator-wide ceiling applied on top of Max; 0 disables it.
	Cap int `yaml:"cap"`
}

const (
	PolicyParallel   = "parallel"
	PolicySequential = "sequential"
)

type Concurrency struct {
	Policy      string `yaml:"policy"`
	MaxParallel int    `yaml:"max_parallel"`
}

type Team struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Agent     string            `yaml:"agent"`
	Model     string            `yaml:"model"`
	Image     string            `yaml:"image"`
	Repo      string            `yaml:"repo"`
	Tag       string            `yaml:"tag"`
	Command   string            `yaml:"command"`
	SearchURL string            `yaml:"search_url"`
	Env       map[string]string `yaml:"env"`
}

type Evaluation struct {
	Metrics []Metric `yaml:"metrics"`
}

type Metric struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"`
	Weight         float64           `yaml:"weight"`
	Model          string            `yaml:"model"`
	Samples        int               `yaml:"samples"`
	Criteria       []RubricCriterion `yaml:"criteria"`
	Command        string            `yaml:"command"`
	Parser         string            `yaml:"parser"`
	BaselineIssues int               `yaml:"baseline_issues"`
	Keywords       []string          `yaml:"keywords"`
	MinWords       int               `yaml:"min_words"`
	MaxWords       int               `yaml:"max_words"`
}

type RubricCriterion struct {
	Criterion string  `yaml:"criterion"`
	Weight    float64 `yaml:"weight"`
}

type Judgment struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	Window         int           `yaml:"window"`
	MinImprovement float64       `yaml:"min_improvement"`
	TargetScore    float64       `yaml:"target_score"`
}

type Timeouts struct {
	Submission time.Duration `yaml:"submission"`
	Metric     time.Duration `yaml:"metric"`
	Judgment   time.Duration `yaml:"judgment"`
}

type Gateway struct {
	URL               string  `yaml:"url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Model             string  `yaml:"model"`
	Launch            bool    `yaml:"launch"`
	LogDir            string  `yaml:"log_dir"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries"`
}

type Store struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	QueueSize     int    `yaml:"queue_size"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Pricing struct {
	File string `yaml:"file"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := validate(&cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &cfg, nil
}

// EffectiveMaxRounds applies the round cap to the configured maximum.
func (c *Config) EffectiveMaxRounds() int {
	if c.Rounds.Cap > 0 && c.Rounds.Cap < c.Rounds.Max {
		return c.Rounds.Cap
	}
	return c.Rounds.Max
}

// Team returns the team with the given id.
func (c *Config) Team(id string) (Team, bool) {
	for _, t := range c.Teams {
		if t.ID == id {
			return t, true
		}
	}
	return Team{}, false
}

func validate(cfg *Config) error {
	if cfg.Task.Query == "" {
		return errors.NewInvalidRequestError("task.query is required")
	}
	if cfg.Task.Format == "" {
		cfg.Task.Format = "text"
	}

	if cfg.Rounds.Max < 1 {
		return errors.NewInvalidRequestError("rounds.max must be at least 1")
	}
	if cfg.Rounds.Cap < 0 {
		return errors.NewInvalidRequestError("rounds.cap must not be negative")
	}

	switch cfg.Concurrency.Policy {
	case "":
		cfg.Concurrency.Policy = PolicyParallel
	case PolicyParallel, PolicySequential:
	default:
		return errors.NewInvalidRequestError("concurrency.policy must be %q or %q, got %q", PolicyParallel, PolicySequential, cfg.Concurrency.Policy)
	}
	if cfg.Concurrency.MaxParallel < 0 {
		return errors.NewInvalidRequestError("concurrency.max_parallel must not be negative")
	}

	if len(cfg.Teams) == 0 {
		return errors.NewInvalidRequestError("no teams defined")
	}
	seen := map[string]bool{}
	for i := range cfg.Teams {
		t := &cfg.Teams[i]
		if t.ID == "" {
			return errors.NewInvalidRequestError("team %d: id is required", i)
		}
		if seen[t.ID] {
			return errors.NewInvalidRequestError("team %q defined twice", t.ID)
		}
		seen[t.ID] = true
		if t.Name == "" {
			t.Name = t.ID
		}
		if t.Agent == "" {
			t.Agent = "plain"
		}
		switch {
		case t.Agent == "custom" && t.Command == "":
			return errors.NewInvalidRequestError("team %q: custom agent needs a command", t.ID)
		case t.Agent == "code-execution" && t.Image == "":
			return errors.NewInvalidRequestError("team %q: code-execution agent needs an image", t.ID)
		}
	}

	if len(cfg.Evaluation.Metrics) == 0 {
		return errors.NewInvalidRequestError("no evaluation metrics defined")
	}
	metrics := map[string]bool{}
	for i := range cfg.Evaluation.Metrics {
		m := &cfg.Evaluation.Metrics[i]
		if m.Name == "" {
			return errors.NewInvalidRequestError("metric %d: name is required", i)
		}
		if metrics[m.Name] {
			return errors.NewInvalidRequestError("metric %q defined twice", m.Name)
		}
		metrics[m.Name] = true
		if m.Kind == "" {
			return errors.NewInvalidRequestError("metric %q: kind is required", m.Name)
		}
		if m.Weight <= 0 {
			return errors.NewInvalidRequestError("metric %q: weight must be positive", m.Name)
		}
	}

	j := &cfg.Judgment
	if j.Provider == "" {
		j.Provider = "gateway"
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.MaxAttempts < 1 {
		return errors.NewInvalidRequestError("judgment.max_attempts must be at least 1")
	}
	if j.Backoff == 0 {
		j.Backoff = time.Second
	}
	if j.Window == 0 {
		j.Window = 2
	}

	t := &cfg.Timeouts
	if t.Submission == 0 {
		t.Submission = 10 * time.Minute
	}
	if t.Metric == 0 {
		t.Metric = 2 * time.Minute
	}
	if t.Judgment == 0 {
		t.Judgment = time.Minute
	}

	if cfg.Gateway.URL == "" && !cfg.Gateway.Launch && needsGateway(cfg) {
		return errors.NewInvalidRequestError("gateway.url is required unless gateway.launch is set")
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite3"
	}
	if cfg.Store.DSN == "" {
		if cfg.Store.Driver != "sqlite3" {
			return errors.NewInvalidRequestError("store.dsn is required for driver %q", cfg.Store.Driver)
		}
		cfg.Store.DSN = "tourney.db"
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	return nil
}

// needsGateway reports whether any configured component talks to an LLM.
func needsGateway(cfg *Config) bool {
	if cfg.Judgment.Provider == "gateway" {
		return true
	}
	for _, m := range cfg.Evaluation.Metrics {
		if m.Kind == "rubric" {
			return true
		}
	}
	for _, t := range cfg.Teams {
		switch t.Agent {
		case "plain", "web-search", "web-fetch":
			return true
		}
	}
	return false
}
