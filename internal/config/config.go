package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrUnknownGame   = errors.New("unknown game")
	ErrMissingConfig = errors.New("missing required configuration")
	ErrBadPair       = errors.New("malformed game=value pair")
)

// Configuration keys. Every key is also readable from NETKAN_<KEY> with dashes as underscores.
const (
	KeyCkanMetaRemote = "ckanmeta-remote"
	KeyNetkanRemote   = "netkan-remote"
	KeyRepo           = "repo"
	KeyCkanMetaRepo   = "ckanmeta-repo"
	KeyIACollection   = "ia-collection"
	KeyInflationQueue = "inflation-queue"
	KeyInstallRoot    = "install-root"
	KeyPrimaryBranch  = "primary-branch"

	KeyQueue         = "queue"
	KeyToken         = "token"
	KeyUser          = "user"
	KeyIAAccess      = "ia-access"
	KeyIASecret      = "ia-secret"
	KeySSHKey        = "ssh-key"
	KeyTimeout       = "timeout"
	KeyDeepClone     = "deep-clone"
	KeyDev           = "dev"
	KeyWorkDir       = "work-dir"
	KeyCacheDir      = "cache-dir"
	KeyStatusBackend = "status-backend"
	KeyStatusDSN     = "status-dsn"
	KeyWebhookSecret = "webhook-secret"
	KeyListen        = "listen"
	KeyMetricsListen = "metrics-listen"
	KeyIAEndpoint    = "ia-endpoint"
	KeyIAS3Endpoint  = "ia-s3-endpoint"
	KeyGitHubAPI     = "github-api"
	KeySpaceDockURL  = "spacedock-url"
	KeyAddQueue      = "add-queue"
	KeyMirrorQueue   = "mirror-queue"
)

// EnvPrefix is prepended to every key when read from the environment
const EnvPrefix = "NETKAN"

// Defaults
const (
	DefaultTimeout      = 300
	DefaultInstallRoot  = "GameData"
	DefaultListen       = ":5000"
	DefaultIAEndpoint   = "https://archive.org"
	DefaultIAS3Endpoint = "https://s3.us.archive.org"
	DefaultGitHubAPI    = "https://api.github.com"
	DefaultSpaceDockURL = "https://spacedock.info"
	BackendSQLite       = "sqlite"
	BackendPebble       = "pebble"
)

var gameKeys = []string{
	KeyCkanMetaRemote, KeyNetkanRemote, KeyRepo, KeyCkanMetaRepo,
	KeyIACollection, KeyInflationQueue, KeyInstallRoot, KeyPrimaryBranch,
}

// Game holds everything configured for one game id
type Game struct {
	ID             string
	CkanMetaRemote string
	NetkanRemote   string
	// NetkanRepo is the user/repo slug pull requests for stubs are opened against
	NetkanRepo     string
	CkanMetaRepo   string
	IACollection   string
	InflationQueue string
	InstallRoot    string
	// PrimaryBranch overrides the default branch recorded by the remote
	PrimaryBranch string
}

// Config is the resolved process configuration
type Config struct {
	Queue         string
	Token         string
	User          string
	IAAccess      string
	IASecret      string
	SSHKey        string
	Timeout       time.Duration
	DeepClone     bool
	Dev           bool
	WorkDir       string
	CacheDir      string
	StatusBackend string
	StatusDSN     string
	WebhookSecret string
	Listen        string
	MetricsListen string
	IAEndpoint    string
	IAS3Endpoint  string
	GitHubAPI     string
	SpaceDockURL  string
	// AddQueue and MirrorQueue are where the webhook front-end sends submissions and mirror requests
	AddQueue    string
	MirrorQueue string

	v     *viper.Viper
	games map[string]*Game
}

// RegisterFlags adds every configuration key to fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringArray(KeyCkanMetaRemote, nil, "game=url of the metadata repository")
	fs.StringArray(KeyNetkanRemote, nil, "game=url of the stub repository")
	fs.StringArray(KeyRepo, nil, "game=user/repo slug of the stub repository")
	fs.StringArray(KeyCkanMetaRepo, nil, "game=user/repo slug of the metadata repository")
	fs.StringArray(KeyIACollection, nil, "game=archive.org collection")
	fs.StringArray(KeyInflationQueue, nil, "game=inflation request queue url")
	fs.StringArray(KeyInstallRoot, nil, "game=in-game install root")
	fs.StringArray(KeyPrimaryBranch, nil, "game=primary branch override")

	fs.String(KeyQueue, "", "queue url this worker consumes")
	fs.String(KeyToken, "", "GitHub token")
	fs.String(KeyUser, "", "GitHub user owning pull request branches")
	fs.String(KeyIAAccess, "", "archive.org S3 access key")
	fs.String(KeyIASecret, "", "archive.org S3 secret key")
	fs.String(KeySSHKey, "", "ssh private key path or PEM used for git remotes")
	fs.Int(KeyTimeout, DefaultTimeout, "queue visibility timeout in seconds")
	fs.Bool(KeyDeepClone, false, "clone full history")
	fs.Bool(KeyDev, false, "development mode, skips host and API gates")
	fs.String(KeyWorkDir, "", "directory that holds repository clones")
	fs.String(KeyCacheDir, "", "download cache directory")
	fs.String(KeyStatusBackend, BackendSQLite, "status store backend (sqlite or pebble)")
	fs.String(KeyStatusDSN, "", "status store location")
	fs.String(KeyWebhookSecret, "", "GitHub webhook secret")
	fs.String(KeyListen, DefaultListen, "webhook listen address")
	fs.String(KeyMetricsListen, "", "metrics listen address, empty disables")
	fs.String(KeyIAEndpoint, DefaultIAEndpoint, "archive.org base url")
	fs.String(KeyIAS3Endpoint, DefaultIAS3Endpoint, "archive.org S3 base url")
	fs.String(KeyGitHubAPI, DefaultGitHubAPI, "GitHub API base url")
	fs.String(KeySpaceDockURL, DefaultSpaceDockURL, "SpaceDock base url")
	fs.String(KeyAddQueue, "", "queue url receiving SpaceDock submissions")
	fs.String(KeyMirrorQueue, "", "queue url receiving mirror requests")
}

// Bind wires v to the environment and to the flags in fs
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(fs)
}

// Load resolves the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		Queue:         v.GetString(KeyQueue),
		Token:         v.GetString(KeyToken),
		User:          v.GetString(KeyUser),
		IAAccess:      v.GetString(KeyIAAccess),
		IASecret:      v.GetString(KeyIASecret),
		SSHKey:        v.GetString(KeySSHKey),
		Timeout:       time.Duration(v.GetInt(KeyTimeout)) * time.Second,
		DeepClone:     v.GetBool(KeyDeepClone),
		Dev:           v.GetBool(KeyDev),
		WorkDir:       v.GetString(KeyWorkDir),
		CacheDir:      v.GetString(KeyCacheDir),
		StatusBackend: v.GetString(KeyStatusBackend),
		StatusDSN:     v.GetString(KeyStatusDSN),
		WebhookSecret: v.GetString(KeyWebhookSecret),
		Listen:        v.GetString(KeyListen),
		MetricsListen: v.GetString(KeyMetricsListen),
		IAEndpoint:    v.GetString(KeyIAEndpoint),
		IAS3Endpoint:  v.GetString(KeyIAS3Endpoint),
		GitHubAPI:     v.GetString(KeyGitHubAPI),
		SpaceDockURL:  v.GetString(KeySpaceDockURL),
		AddQueue:      v.GetString(KeyAddQueue),
		MirrorQueue:   v.GetString(KeyMirrorQueue),
		v:             v,
		games:         make(map[string]*Game),
	}

	// Apply defaults after load, unset flags on a bare viper return zero values
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout * time.Second
	}
	if c.StatusBackend == "" {
		c.StatusBackend = BackendSQLite
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.IAEndpoint == "" {
		c.IAEndpoint = DefaultIAEndpoint
	}
	if c.IAS3Endpoint == "" {
		c.IAS3Endpoint = DefaultIAS3Endpoint
	}
	if c.GitHubAPI == "" {
		c.GitHubAPI = DefaultGitHubAPI
	}
	if c.SpaceDockURL == "" {
		c.SpaceDockURL = DefaultSpaceDockURL
	}
	if c.WorkDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		c.WorkDir = filepath.Join(dir, "netkan")
	}
	if c.StatusDSN == "" {
		c.StatusDSN = filepath.Join(c.WorkDir, "status.db")
	}

	for _, key := range gameKeys {
		pairs, err := ParsePairs(v.GetStringSlice(key))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", key, err)
		}
		for id, value := range pairs {
			g := c.game(id)
			switch key {
			case KeyCkanMetaRemote:
				g.CkanMetaRemote = value
			case KeyNetkanRemote:
				g.NetkanRemote = value
			case KeyRepo:
				g.NetkanRepo = value
			case KeyCkanMetaRepo:
				g.CkanMetaRepo = value
			case KeyIACollection:
				g.IACollection = value
			case KeyInflationQueue:
				g.InflationQueue = value
			case KeyInstallRoot:
				g.InstallRoot = value
			case KeyPrimaryBranch:
				g.PrimaryBranch = value
			}
		}
	}

	for _, g := range c.games {
		if g.InstallRoot == "" {
			g.InstallRoot = DefaultInstallRoot
		}
		if g.CkanMetaRepo == "" {
			g.CkanMetaRepo = RepoSlug(g.CkanMetaRemote)
		}
		if g.NetkanRepo == "" {
			g.NetkanRepo = RepoSlug(g.NetkanRemote)
		}
	}

	return c, nil
}

func (c *Config) game(id string) *Game {
	g, ok := c.games[id]
	if !ok {
		g = &Game{ID: id}
		c.games[id] = g
	}
	return g
}

// Game returns the configuration for game id
func (c *Config) Game(id string) (*Game, error) {
	g, ok := c.games[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, id)
	}
	return g, nil
}

// GameIDs returns every configured game id, sorted
func (c *Config) GameIDs() []string {
	ids := make([]string, 0, len(c.games))
	for id := range c.games {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Require fails when any of the keys has no value
func (c *Config) Require(keys ...string) error {
	var missing []string
	for _, key := range keys {
		if c.v == nil || isEmpty(c.v.Get(key)) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return nil
}

func isEmpty(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []string:
		return len(v) == 0
	case []interface{}:
		return len(v) == 0
	default:
		return false
	}
}

// ParsePairs reads game=value pairs. An entry may hold several whitespace separated pairs,
// which is how they arrive from a single environment variable.
func ParsePairs(entries []string) (map[string]string, error) {
	pairs := make(map[string]string)
	for _, entry := range entries {
		for _, field := range strings.Fields(entry) {
			id, value, ok := strings.Cut(field, "=")
			if !ok || id == "" || value == "" {
				return nil, fmt.Errorf("%w: %q", ErrBadPair, field)
			}
			pairs[strings.ToLower(id)] = value
		}
	}
	return pairs, nil
}

// RepoSlug extracts user/repo from a GitHub remote url
func RepoSlug(remote string) string {
	s := strings.TrimSuffix(strings.TrimSpace(remote), ".git")
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "github.com"); i >= 0 {
		s = s[i+len("github.com"):]
		s = strings.TrimLeft(s, ":/")
	}
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}
