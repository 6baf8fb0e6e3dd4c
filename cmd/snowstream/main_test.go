package main

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/snowstream/pkg/errors"
	tu "github.com/ajitpratap0/snowstream/pkg/testutil"
)

const (
	pipePath    = "/v2/streaming/databases/DB/schemas/PUBLIC/pipes/EVENTS"
	channelPath = pipePath + "/channels/ch1"
	rowsPath    = "/v2/streaming/data/databases/DB/schemas/PUBLIC/pipes/EVENTS/channels/ch1/rows"
)

// writeProfile writes a YAML profile pointing at srv and returns its path.
func writeProfile(t *testing.T, srv *tu.ScriptedServer) string {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "rsa_key.p8")
	require.NoError(t, os.WriteFile(keyPath, tu.PKCS8PEM(t, tu.RSAKey(t)), 0o600))

	profile := `account: testorg-testacct
user: tester
url: ` + srv.URL + `
database: DB
schema: PUBLIC
pipe: EVENTS
private_key_path: ` + keyPath + `
channel:
  poll_interval: 10ms
  close_timeout: 5s
log:
  level: error
`
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o600))
	return path
}

func newServer(t *testing.T) *tu.ScriptedServer {
	t.Helper()
	srv := tu.NewScriptedServer(t)
	srv.On(http.MethodGet, "/v2/streaming/hostname", tu.Step{Status: http.StatusOK, Body: srv.URL})
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append(args, "--env-file", ""))
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "snowstream v"+version)
}

func TestHost(t *testing.T) {
	srv := newServer(t)
	out, err := run(t, "host", "-p", writeProfile(t, srv))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"\n", out)
}

func TestStatus(t *testing.T) {
	srv := newServer(t)
	srv.On(http.MethodPost, pipePath+":bulk-channel-status",
		tu.JSON(`{"channel_statuses":{"ch1":{"channel_name":"ch1","channel_status_code":"SUCCESS","last_committed_offset_token":"4"}}}`))

	out, err := run(t, "status", "-p", writeProfile(t, srv), "-c", "ch1")
	require.NoError(t, err)
	assert.Contains(t, out, `"channel_status_code": "SUCCESS"`)
	assert.Contains(t, out, `"last_committed_offset_token": "4"`)
}

func TestIngest_AppendsAndCloses(t *testing.T) {
	srv := newServer(t)
	srv.On(http.MethodPut, channelPath,
		tu.JSON(`{"next_continuation_token":"ct-0","channel_status":{"channel_name":"ch1","last_committed_offset_token":null}}`))
	srv.On(http.MethodPost, rowsPath,
		tu.JSON(`{"next_continuation_token":"ct-1"}`),
		tu.JSON(`{"next_continuation_token":"ct-2"}`))
	srv.On(http.MethodPost, pipePath+":bulk-channel-status",
		tu.JSON(`{"channel_statuses":{"ch1":{"channel_name":"ch1","last_committed_offset_token":"1"}}}`),
		tu.JSON(`{"channel_statuses":{"ch1":{"channel_name":"ch1","last_committed_offset_token":"2"}}}`))
	srv.On(http.MethodDelete, channelPath, tu.Status(http.StatusOK))

	input := filepath.Join(t.TempDir(), "rows.ndjson")
	require.NoError(t, os.WriteFile(input, []byte("{\"id\":1}\n{\"id\":2}\n{\"id\":3}\n"), 0o600))

	out, err := run(t, "ingest", input, "-p", writeProfile(t, srv), "-c", "ch1", "--batch-rows", "2")
	require.NoError(t, err)
	assert.Equal(t, "appended 3 rows in 2 chunks to ch1 (committed offset 2)\n", out)

	var bodies []string
	for _, r := range srv.Requests() {
		if r.Path == rowsPath {
			bodies = append(bodies, string(r.Body))
		}
	}
	assert.Equal(t, []string{"{\"id\":1}\n{\"id\":2}\n", "{\"id\":3}\n"}, bodies)
	assert.Equal(t, 1, srv.Count(http.MethodDelete, channelPath))
}

func TestIngest_BadSourceFailsBeforeConnecting(t *testing.T) {
	srv := newServer(t)
	_, err := run(t, "ingest", "ftp://nowhere/file", "-p", writeProfile(t, srv), "-c", "ch1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported source scheme"))
	assert.Empty(t, srv.Requests())
}

func TestIngest_RequiresChannel(t *testing.T) {
	srv := newServer(t)
	_, err := run(t, "ingest", "-", "-p", writeProfile(t, srv))
	require.Error(t, err)
}

func TestIngest_SpreadsOverChannels(t *testing.T) {
	srv := newServer(t)
	for _, name := range []string{"ch1-0", "ch1-1"} {
		path := pipePath + "/channels/" + name
		srv.On(http.MethodPut, path,
			tu.JSON(`{"next_continuation_token":"ct-0","channel_status":{"channel_name":"`+name+`","last_committed_offset_token":null}}`))
		srv.On(http.MethodPost, "/v2/streaming/data/databases/DB/schemas/PUBLIC/pipes/EVENTS/channels/"+name+"/rows",
			tu.JSON(`{"next_continuation_token":"ct-1"}`))
		srv.On(http.MethodDelete, path, tu.Status(http.StatusOK))
	}
	srv.On(http.MethodPost, pipePath+":bulk-channel-status",
		tu.JSON(`{"channel_statuses":{"ch1-0":{"channel_name":"ch1-0","last_committed_offset_token":"1"},"ch1-1":{"channel_name":"ch1-1","last_committed_offset_token":"1"}}}`))

	input := filepath.Join(t.TempDir(), "rows.ndjson")
	require.NoError(t, os.WriteFile(input, []byte("{\"id\":1}\n{\"id\":2}\n{\"id\":3}\n"), 0o600))

	out, err := run(t, "ingest", input, "-p", writeProfile(t, srv), "-c", "ch1", "--channels", "2", "--batch-rows", "2")
	require.NoError(t, err)
	assert.Equal(t, "appended 2 rows in 1 chunks to ch1-0 (committed offset 1)\n"+
		"appended 1 rows in 1 chunks to ch1-1 (committed offset 1)\n", out)
	assert.Equal(t, 1, srv.Count(http.MethodDelete, pipePath+"/channels/ch1-0"))
	assert.Equal(t, 1, srv.Count(http.MethodDelete, pipePath+"/channels/ch1-1"))
}

func TestIngest_FailureLeavesChannelOnServer(t *testing.T) {
	srv := newServer(t)
	srv.On(http.MethodPut, channelPath,
		tu.JSON(`{"next_continuation_token":"ct-0","channel_status":{"channel_name":"ch1","last_committed_offset_token":null}}`))
	srv.On(http.MethodPost, rowsPath, tu.Status(http.StatusBadRequest))
	srv.On(http.MethodDelete, channelPath, tu.Status(http.StatusOK))

	input := filepath.Join(t.TempDir(), "rows.ndjson")
	require.NoError(t, os.WriteFile(input, []byte("{\"id\":1}\n"), 0o600))

	_, err := run(t, "ingest", input, "-p", writeProfile(t, srv), "-c", "ch1")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	status, _ := errors.DetailOf(err, errors.DetailStatus)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Zero(t, srv.Count(http.MethodDelete, channelPath))
}
