package data

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoID_JSON(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		wantID RepoID
		out    string
	}{
		{name: "number", in: `42`, wantID: "42", out: `42`},
		{name: "numeric string keeps number shape", in: `"42"`, wantID: "42", out: `42`},
		{name: "string", in: `"abc"`, wantID: "abc", out: `"abc"`},
		{name: "leading zero stays a string", in: `"007"`, wantID: "007", out: `"007"`},
		{name: "null", in: `null`, wantID: "", out: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id RepoID
			require.NoError(t, json.Unmarshal([]byte(tt.in), &id))
			assert.Equal(t, tt.wantID, id)

			b, err := json.Marshal(id)
			require.NoError(t, err)
			assert.Equal(t, tt.out, string(b))
		})
	}
}

func TestRepository_DisplayName(t *testing.T) {
	assert.Equal(t, "acme/widgets", Repository{FullName: "acme/widgets"}.DisplayName())
	assert.Equal(t, "acme/widgets", Repository{Name: "widgets", Owner: &Owner{Login: "acme"}}.DisplayName())
	assert.Equal(t, "unknown/widgets", Repository{Name: "widgets"}.DisplayName())
	assert.Equal(t, "unknown/unknown", Repository{}.DisplayName())
}

func TestRepository_OwnerAndName(t *testing.T) {
	owner, name, ok := Repository{FullName: "acme/widgets"}.OwnerAndName()
	require.True(t, ok)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", name)

	owner, name, ok = Repository{Name: "gadgets", Owner: &Owner{Login: "acme"}}.OwnerAndName()
	require.True(t, ok)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "gadgets", name)

	_, _, ok = Repository{Name: "orphan"}.OwnerAndName()
	assert.False(t, ok)
}

func TestRepository_CloneSources(t *testing.T) {
	assert.Equal(t, []string{"https://c", "git://g", "https://h"}, Repository{CloneURL: "https://c", GitURL: "git://g", HTMLURL: "https://h"}.CloneSources())
	assert.Equal(t, []string{"https://h"}, Repository{CloneURL: "  ", HTMLURL: "https://h"}.CloneSources())
	assert.Equal(t, []string{"https://c"}, Repository{CloneURL: "https://c", HTMLURL: " https://c "}.CloneSources())
	assert.Empty(t, Repository{}.CloneSources())
}

func TestRepository_TokenNeverPersisted(t *testing.T) {
	repo := Repository{ID: "1", FullName: "a/b", Token: "secret"}
	b, err := json.Marshal(repo)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret")
}

func TestRepository_WithLocalPathCopies(t *testing.T) {
	repo := Repository{ID: "1"}
	cloned := repo.WithLocalPath("/tmp/x")
	assert.Empty(t, repo.LocalPath)
	assert.Equal(t, "/tmp/x", cloned.LocalPath)
}

func TestRepository_SizeBytes(t *testing.T) {
	assert.Equal(t, uint64(2048), Repository{Size: 2}.SizeBytes())
	assert.Zero(t, Repository{Size: -1}.SizeBytes())
}
