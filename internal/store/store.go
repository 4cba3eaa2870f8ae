// Package store serves read-mostly snapshots of the repository and user
// tables.
//
// The persistent tables are owned by the admin service. The daemon loads a
// snapshot on startup and replaces it atomically whenever the admin service
// pushes an update. Readers always see a consistent snapshot, the update path
// is single-writer.
package store

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/octobot/octobot/internal/cfg"
	"github.com/octobot/octobot/internal/event"
)

const DefReleaseBranchPrefix = "release/"

var backportLabelRe = regexp.MustCompile(`(?i)^backport-(.+)$`)

// RepoConfig is the per-repository configuration snapshot.
type RepoConfig struct {
	Key event.RepoKey

	Channel             string
	ForcePushNotify     bool
	ReleaseBranchPrefix string
	BackportEnabled     bool
	JiraProjects        []string
}

// BackportTarget matches a label name against the backport label policy.
// On a match it returns the target branch, the release branch prefix joined
// with the matched suffix.
func (r *RepoConfig) BackportTarget(labelName string) (targetBranch string, ok bool) {
	m := backportLabelRe.FindStringSubmatch(labelName)
	if m == nil {
		return "", false
	}

	prefix := r.ReleaseBranchPrefix
	if prefix == "" {
		prefix = DefReleaseBranchPrefix
	}

	return prefix + m[1], true
}

func (r *RepoConfig) JiraEnabled() bool {
	return len(r.JiraProjects) > 0
}

type userEntry struct {
	handle string
	muted  bool
}

type snapshot struct {
	repos map[event.RepoKey]*RepoConfig
	// users maps host -> github login -> chat handle
	users map[string]map[string]userEntry
}

// Store provides access to the current repo and user snapshots.
type Store struct {
	current   atomic.Pointer[snapshot]
	writeLock sync.Mutex
}

func New() *Store {
	s := Store{}
	s.current.Store(&snapshot{
		repos: map[event.RepoKey]*RepoConfig{},
		users: map[string]map[string]userEntry{},
	})

	return &s
}

// FromConfig builds a store from the repo and user tables of the config file.
func FromConfig(config *cfg.Config) *Store {
	repos := make(map[event.RepoKey]*RepoConfig, len(config.Repos))
	for _, r := range config.Repos {
		key := event.RepoKey{Host: r.Host, Owner: r.Owner, Repo: r.Repository}
		repos[key] = &RepoConfig{
			Key:                 key,
			Channel:             r.Channel,
			ForcePushNotify:     r.ForcePushNotify,
			ReleaseBranchPrefix: r.ReleaseBranchPrefix,
			BackportEnabled:     !r.DisableBackport,
			JiraProjects:        r.JiraProjects,
		}
	}

	users := map[string]map[string]userEntry{}
	for _, uh := range config.Users {
		hostUsers := make(map[string]userEntry, len(uh.Users))
		for _, u := range uh.Users {
			hostUsers[u.GithubLogin] = userEntry{handle: u.ChatHandle, muted: u.Muted}
		}
		users[uh.Host] = hostUsers
	}

	s := New()
	s.current.Store(&snapshot{repos: repos, users: users})

	return s
}

// RepoConfig returns the configuration for the repository.
// ok is false when the repository is not configured.
func (s *Store) RepoConfig(key event.RepoKey) (repo *RepoConfig, ok bool) {
	r, exist := s.current.Load().repos[key]
	return r, exist
}

// RepoConfigOrDefault returns the configuration for the repository, for
// unconfigured repositories a default config without a chat channel and with
// backporting enabled.
func (s *Store) RepoConfigOrDefault(key event.RepoKey) *RepoConfig {
	if r, exist := s.RepoConfig(key); exist {
		return r
	}

	return &RepoConfig{Key: key, BackportEnabled: true}
}

// ChatHandle resolves a hosting platform login to a chat handle.
// Unmapped logins fall back to the login with dashes replaced by dots, the
// chat naming convention uses dots where the hosting platform uses dashes.
func (s *Store) ChatHandle(host, login string) (handle string, muted bool) {
	if hostUsers, exist := s.current.Load().users[host]; exist {
		if entry, exist := hostUsers[login]; exist {
			return entry.handle, entry.muted
		}
	}

	return strings.ReplaceAll(login, "-", "."), false
}

// ReplaceRepos swaps the repo table of the current snapshot.
// It is the single-writer update path used when the admin service pushes a
// new table.
func (s *Store) ReplaceRepos(repos []*RepoConfig) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	cur := s.current.Load()

	newRepos := make(map[event.RepoKey]*RepoConfig, len(repos))
	for _, r := range repos {
		newRepos[r.Key] = r
	}

	s.current.Store(&snapshot{repos: newRepos, users: cur.users})
}

// ReplaceUsers swaps the user table of one host in the current snapshot.
func (s *Store) ReplaceUsers(host string, handles map[string]string, muted map[string]bool) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	cur := s.current.Load()

	newUsers := make(map[string]map[string]userEntry, len(cur.users)+1)
	for h, hostUsers := range cur.users {
		newUsers[h] = hostUsers
	}

	hostUsers := make(map[string]userEntry, len(handles))
	for login, handle := range handles {
		hostUsers[login] = userEntry{handle: handle, muted: muted[login]}
	}
	newUsers[host] = hostUsers

	s.current.Store(&snapshot{repos: cur.repos, users: newUsers})
}
