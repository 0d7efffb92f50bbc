package engine_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/doomscroll/stakepool/internal/testutil"
)

var testDB *testutil.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := testutil.NewLogger()

	var err error
	testDB, err = testutil.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
