package github

import "strings"

// IsGitHubURL returns true if the URL points at github.com
func IsGitHubURL(url string) bool {
	return strings.Contains(strings.ToLower(url), "github.com/")
}

// ExtractRepoInfo extracts owner and repository name from a GitHub URL such as
// https://github.com/owner/repo/releases
func ExtractRepoInfo(url string) (owner, repo string, ok bool) {
	if !IsGitHubURL(url) {
		return "", "", false
	}
	// Remove protocol and host
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	url = strings.TrimPrefix(url, "www.")

	parts := strings.Split(url, "/")
	if len(parts) < 3 {
		return "", "", false
	}

	// parts[0] = github.com, parts[1] = owner, parts[2] = repo
	owner = parts[1]
	repo = strings.TrimSuffix(parts[2], ".git")
	if i := strings.IndexAny(repo, "?#"); i >= 0 {
		repo = repo[:i]
	}

	if owner == "" || repo == "" {
		return "", "", false
	}
	return owner, repo, true
}
