package coordinator_test

import (
	"context"
	"path"
	"testing"
)

func contextBG() context.Context { return context.Background() }

func extractFilename(t *testing.T, url string) string {
	t.Helper()
	return path.Base(url)
}
