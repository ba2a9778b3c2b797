package api

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/aura/internal/db"
	"github.com/banshee-data/aura/internal/monitoring"
)

var (
	apiTestTemplatePath string
)

func TestMain(m *testing.M) {
	code := runAPITestMain(m)
	os.Exit(code)
}

// runAPITestMain migrates one template journal up front; each test copies
// it instead of running the migrations again.
func runAPITestMain(m *testing.M) int {
	monitoring.SetLogger(nil)

	tmpDir, err := os.MkdirTemp("", "aura-api-template-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create API test template directory: %v\n", err)
		return 1
	}

	apiTestTemplatePath = filepath.Join(tmpDir, "template.db")

	templateDB, err := db.NewDB(apiTestTemplatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize API test template DB: %v\n", err)
		_ = os.RemoveAll(tmpDir)
		return 1
	}

	if _, err := templateDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to checkpoint API test template DB: %v\n", err)
		_ = templateDB.Close()
		_ = os.RemoveAll(tmpDir)
		return 1
	}

	if err := templateDB.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close API test template DB: %v\n", err)
		_ = os.RemoveAll(tmpDir)
		return 1
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	return code
}

// openAPITestDB clones the template journal into the test's temp dir and
// opens it without migrating.
func openAPITestDB(t *testing.T) *db.DB {
	t.Helper()

	if apiTestTemplatePath == "" {
		t.Fatal("API test template DB not initialized")
	}

	dbPath := filepath.Join(t.TempDir(), "test.db")
	if err := copyFile(apiTestTemplatePath, dbPath); err != nil {
		t.Fatalf("failed to clone API test DB template: %v", err)
	}

	journal, err := db.OpenDB(dbPath)
	if err != nil {
		t.Fatalf("failed to open cloned API test DB: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	return journal
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
