package quotafs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"default_quota": 8192, "users": {"1000": 1048576, "0": 1}}`))
	if err != nil {
		t.Fatal(err)
	}
	expected := Config{
		DefaultQuota: 8192,
		UserQuotas:   map[uint32]uint64{1000: 1048576, 0: 1},
	}
	if diff := deep.Equal(cfg, expected); diff != nil {
		t.Fatal(diff)
	}

	if cfg.QuotaFor(1000) != 1048576 || cfg.QuotaFor(0) != 1 || cfg.QuotaFor(5) != 8192 {
		t.Fatalf("unexpected quotas for %v", cfg)
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, data := range []string{
		``,
		`[]`,
		`{"default_quota": 0}`,
		`{"default_quota": -1}`,
		`{"default_quota": "big"}`,
		`{"users": {"abc": 10}}`,
		`{"users": {"4294967296": 10}}`,
		`{"users": {"1": 0}}`,
		`{"users": []}`,
		`{"quota": 10}`,
	} {
		_, err := ParseConfig([]byte(data))
		if err == nil {
			t.Fatalf("%s: expected error", data)
		}
	}
}

func TestQuotaForFallsBackToDefault(t *testing.T) {
	var cfg Config
	if cfg.QuotaFor(1) != DefaultQuota {
		t.Fatalf("unexpected quota %d", cfg.QuotaFor(1))
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotafs.json")
	err := os.WriteFile(path, []byte(`{"default_quota": 100}`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultQuota != 100 {
		t.Fatalf("unexpected config %v", cfg)
	}

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not exist, got %v", err)
	}
}
