package data

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// RepoID is a stable repository identifier.
//
// Repository sources usually carry GitHub's numeric ids, but string ids are
// accepted too. Numeric ids round-trip as JSON numbers so stored records keep
// the shape of the source file.
type RepoID string

func (id RepoID) String() string {
	return string(id)
}

func (id RepoID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

func (id RepoID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if isCanonicalInt(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *RepoID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("repo id: %w", err)
		}
		*id = RepoID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("repo id: %w", err)
	}
	*id = RepoID(n.String())
	return nil
}

func isCanonicalInt(s string) bool {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return false
	}
	return strconv.FormatInt(v, 10) == s
}

type Owner struct {
	Login string `json:"login,omitempty"`
}

// Repository is the descriptor of one repository under analysis.
//
// Descriptors are read-only input. LocalPath is the only field assigned at
// runtime, once the repository has been cloned (see WithLocalPath).
type Repository struct {
	ID       RepoID `json:"id"`
	Name     string `json:"name,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Owner    *Owner `json:"owner,omitempty"`

	CloneURL string `json:"clone_url,omitempty"`
	GitURL   string `json:"git_url,omitempty"`
	HTMLURL  string `json:"html_url,omitempty"`

	// Size is the repository size in kilobytes, as reported by GitHub.
	Size int64 `json:"size,omitempty"`

	LocalPath string `json:"local_path,omitempty"`

	// Token is an optional per-repository auth token. It is never persisted.
	Token string `json:"-"`
}

// DisplayName returns full_name, falling back to owner/name.
func (r Repository) DisplayName() string {
	if r.FullName != "" {
		return r.FullName
	}
	owner := "unknown"
	if r.Owner != nil && r.Owner.Login != "" {
		owner = r.Owner.Login
	}
	name := r.Name
	if name == "" {
		name = "unknown"
	}
	return owner + "/" + name
}

// OwnerAndName splits the repository into the owner/name pair used by the
// GitHub API. ok is false when either part is unknown.
func (r Repository) OwnerAndName() (owner, name string, ok bool) {
	if r.FullName != "" {
		if o, n, found := strings.Cut(r.FullName, "/"); found && o != "" && n != "" {
			return o, n, true
		}
	}
	if r.Owner != nil && r.Owner.Login != "" && r.Name != "" {
		return r.Owner.Login, r.Name, true
	}
	return "", "", false
}

// CloneSources returns the distinct URLs to try when cloning, in order:
// clone_url, then git_url, then html_url.
func (r Repository) CloneSources() []string {
	var out []string
	for _, u := range []string{r.CloneURL, r.GitURL, r.HTMLURL} {
		u = strings.TrimSpace(u)
		if u == "" || slices.Contains(out, u) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// SizeBytes converts the declared size (KB) to bytes.
func (r Repository) SizeBytes() uint64 {
	if r.Size <= 0 {
		return 0
	}
	return uint64(r.Size) * 1024
}

// WithLocalPath returns a copy of the descriptor with LocalPath assigned.
func (r Repository) WithLocalPath(path string) Repository {
	r.LocalPath = path
	return r
}

// Matches reports whether the descriptor is identified by id or fullName.
func (r Repository) Matches(id RepoID, fullName string) bool {
	if !id.IsZero() && r.ID == id {
		return true
	}
	return fullName != "" && r.FullName == fullName
}
