package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const editYAML = `# watched repos
subscriptions:
  default_track: [releases]
  repositories:
    - golang/go
ledger:
  driver: memory # in-process
notifications:
  archive:
    enabled: true
    dir: ./reports
`

func TestSetRepositoriesYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	if err := os.WriteFile(path, []byte(editYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	err := SetRepositories(path, []RepositoryConfig{
		{Repo: "golang/go"},
		{Repo: "rs/zerolog", Track: []string{"issue"}},
	})
	if err != nil {
		t.Fatalf("SetRepositories: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"# watched repos", "# in-process", "default_track"} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("rewritten file lost %q:\n%s", want, b)
		}
	}
	cfg, err := Decode(path, b)
	if err != nil {
		t.Fatalf("Decode: %v\n%s", err, b)
	}
	repos := cfg.Subscriptions.Repositories
	if len(repos) != 2 || repos[0].Repo != "golang/go" || len(repos[0].Track) != 0 ||
		repos[1].Repo != "rs/zerolog" || len(repos[1].Track) != 1 || repos[1].Track[0] != "issue" {
		t.Fatalf("repositories = %+v", repos)
	}
	if fi, err := os.Stat(path); err != nil || fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, %v", fi.Mode(), err)
	}
}

func TestSetRepositoriesJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sentinel.jsonc")
	body := `{
  // comment
  "ledger": {"driver": "memory"},
  "notifications": {"archive": {"enabled": true, "dir": "./reports"}},
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := SetRepositories(path, []RepositoryConfig{{Repo: "acme/widget"}}); err != nil {
		t.Fatalf("SetRepositories: %v", err)
	}
	b, _ := os.ReadFile(path)
	cfg, err := Decode(path, b)
	if err != nil {
		t.Fatalf("Decode: %v\n%s", err, b)
	}
	if repos := cfg.Subscriptions.Repositories; len(repos) != 1 || repos[0].Repo != "acme/widget" {
		t.Fatalf("repositories = %+v", repos)
	}
	if cfg.Ledger.Driver != "memory" {
		t.Fatalf("other keys lost: %s", b)
	}
}

func TestSetRepositoriesKeepsFileOnInvalidResult(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	if err := os.WriteFile(path, []byte(editYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	err := SetRepositories(path, []RepositoryConfig{{Repo: "a/b"}, {Repo: "A/B"}})
	if err == nil {
		t.Fatal("expected duplicate repository error")
	}
	b, _ := os.ReadFile(path)
	if string(b) != editYAML {
		t.Fatalf("file changed after a rejected edit:\n%s", b)
	}
}
