package statuslog_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/vorsengineer/cw-rpi-deployment/internal/statuslog"
)

func TestAppendWritesToTodaysFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := statuslog.New(fs, "/logs")

	require.NoError(t, w.Append("10.0.0.5", "KXP2-CORO-001", "SERIAL1", "downloading"))
	require.NoError(t, w.Append("10.0.0.5", "KXP2-CORO-001", "SERIAL1", "success"))

	name := fmt.Sprintf("/logs/deployment_%s.log", time.Now().UTC().Format("20060102"))
	contents, err := afero.ReadFile(fs, name)
	require.NoError(t, err)
	require.Contains(t, string(contents), "KXP2-CORO-001,SERIAL1,downloading")
	require.Contains(t, string(contents), "KXP2-CORO-001,SERIAL1,success")
}
