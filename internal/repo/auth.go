package repo

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// Credentials are the secrets available for git remotes
type Credentials struct {
	// SSHKey is a path to a private key or the PEM text itself
	SSHKey string
	User   string
	Token  string
}

// AuthFor picks the auth method matching the scheme of url; nil means anonymous
func AuthFor(url string, creds Credentials) (transport.AuthMethod, error) {
	switch {
	case isSSH(url):
		if creds.SSHKey == "" {
			return nil, nil
		}
		var (
			keys *ssh.PublicKeys
			err  error
		)
		if strings.Contains(creds.SSHKey, "PRIVATE KEY-----") {
			keys, err = ssh.NewPublicKeys("git", []byte(creds.SSHKey), "")
		} else {
			keys, err = ssh.NewPublicKeysFromFile("git", creds.SSHKey, "")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load ssh key: %w", err)
		}
		return keys, nil
	case strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://"):
		if creds.Token == "" {
			return nil, nil
		}
		user := creds.User
		if user == "" {
			user = "x-access-token"
		}
		return &http.BasicAuth{Username: user, Password: creds.Token}, nil
	default:
		return nil, nil
	}
}

func isSSH(url string) bool {
	if strings.HasPrefix(url, "ssh://") {
		return true
	}
	// scp-like syntax: user@host:path
	at := strings.Index(url, "@")
	colon := strings.Index(url, ":")
	return at > 0 && colon > at && !strings.Contains(url[:colon], "/")
}
