package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryKey(t *testing.T) {
	repo := Repository{
		Name:     "widget",
		FullName: "acme/widget",
		Owner:    User{Login: "acme"},
		HTMLURL:  "https://git.example.com/acme/widget",
	}

	key, err := repo.Key()
	require.NoError(t, err)

	assert.Equal(t, RepoKey{Host: "git.example.com", Owner: "acme", Repo: "widget"}, key)
	assert.Equal(t, "git.example.com/acme/widget", key.String())
}

func TestRepositoryKeyFailsForIncompleteReference(t *testing.T) {
	testcases := []struct {
		name string
		repo Repository
	}{
		{
			name: "missing url",
			repo: Repository{Name: "widget", Owner: User{Login: "acme"}},
		},
		{
			name: "missing owner",
			repo: Repository{Name: "widget", HTMLURL: "https://git.example.com/acme/widget"},
		},
		{
			name: "missing name",
			repo: Repository{Owner: User{Login: "acme"}, HTMLURL: "https://git.example.com/acme/widget"},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.repo.Key()
			assert.Error(t, err)
		})
	}
}

func TestPushBranch(t *testing.T) {
	push := Push{Ref: "refs/heads/feature"}
	assert.Equal(t, "feature", push.Branch())

	push = Push{Ref: "feature"}
	assert.Equal(t, "feature", push.Branch())
}
