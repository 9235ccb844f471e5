package relay

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/aitools-relay/internal/auth"
	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/credentials"
	"github.com/workspace/aitools-relay/internal/logging"
	"github.com/workspace/aitools-relay/internal/persistence"
	"github.com/workspace/aitools-relay/internal/runner"
	"github.com/workspace/aitools-relay/internal/stream"
	"github.com/workspace/aitools-relay/internal/streams"
)

// writeScript creates an executable shell script standing in for a CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type collector struct {
	events []stream.Event
}

func (c *collector) Emit(ev stream.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) types() []string {
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type()
	}
	return out
}

type fakeRuns struct {
	inserted []persistence.Run
	finished map[string]persistence.RunOutcome
}

func (f *fakeRuns) InsertRun(run persistence.Run) error {
	f.inserted = append(f.inserted, run)
	return nil
}

func (f *fakeRuns) FinishRun(id string, out persistence.RunOutcome) error {
	if f.finished == nil {
		f.finished = map[string]persistence.RunOutcome{}
	}
	f.finished[id] = out
	return nil
}

func newRelay(t *testing.T, tools ...catalog.Tool) (*Relay, *streams.Registry, *fakeRuns) {
	t.Helper()
	c, err := catalog.New(tools...)
	require.NoError(t, err)
	reg := streams.NewRegistry()
	runs := &fakeRuns{}
	r := New(Options{
		Catalog:  catalog.NewStaticStore(c),
		Registry: reg,
		Runs:     runs,
		Logger:   logging.Discard(),
	})
	return r, reg, runs
}

const helloScript = `cat > /dev/null
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}'
echo '{"type":"result","duration_ms":12,"total_cost_usd":0.5}'
`

func TestStart_RunsToolAndRecordsRun(t *testing.T) {
	r, reg, runs := newRelay(t, catalog.Tool{
		Name:       "fake",
		Command:    writeScript(t, helloScript),
		PromptMode: runner.PromptStdin,
	})

	inv, err := r.Start(context.Background(), catalog.Request{Tool: "fake", Prompt: "hi"}, Meta{Transport: streams.TransportSSE})
	require.NoError(t, err)
	require.NotEmpty(t, inv.ID)

	info, ok := reg.Get(inv.ID)
	require.True(t, ok)
	assert.Equal(t, "fake", info.Tool)
	require.Len(t, runs.inserted, 1)
	assert.Equal(t, inv.ID, runs.inserted[0].ID)

	em := &collector{}
	sum := inv.Run(em)

	assert.Equal(t, []string{stream.TypeContent, stream.TypeDone}, em.types())
	assert.Equal(t, "Hello", sum.Response)
	assert.False(t, sum.Errored)

	_, ok = reg.Get(inv.ID)
	assert.False(t, ok, "finished stream should leave the registry")

	out := runs.finished[inv.ID]
	assert.Equal(t, persistence.RunSucceeded, out.Status)
	require.NotNil(t, out.TotalCost)
	assert.Equal(t, 0.5, *out.TotalCost)
	assert.Equal(t, len("Hello"), out.ResponseBytes)
}

func TestStart_FailedRun(t *testing.T) {
	r, _, runs := newRelay(t, catalog.Tool{
		Name:       "fake",
		Command:    writeScript(t, "cat > /dev/null\necho 'fatal error: quota exceeded'\nexit 2\n"),
		PromptMode: runner.PromptStdin,
	})

	inv, err := r.Start(context.Background(), catalog.Request{Tool: "fake", Prompt: "hi"}, Meta{})
	require.NoError(t, err)

	em := &collector{}
	sum := inv.Run(em)
	assert.True(t, sum.Errored)
	assert.Equal(t, []string{stream.TypeError, stream.TypeDone}, em.types())
	assert.Equal(t, persistence.RunFailed, runs.finished[inv.ID].Status)
}

func TestStart_Errors(t *testing.T) {
	r, _, _ := newRelay(t,
		catalog.Tool{Name: "fake", Command: writeScript(t, helloScript), PromptMode: runner.PromptStdin},
		catalog.Tool{Name: "missing", Command: "definitely-not-installed-xyz"},
	)
	limited := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}, Tools: []string{"other"}}

	tests := []struct {
		name   string
		req    catalog.Request
		meta   Meta
		status int
	}{
		{"missing prompt", catalog.Request{Tool: "fake"}, Meta{}, http.StatusBadRequest},
		{"unknown tool", catalog.Request{Tool: "nope", Prompt: "x"}, Meta{}, http.StatusNotFound},
		{"not installed", catalog.Request{Tool: "missing", Prompt: "x"}, Meta{}, http.StatusFailedDependency},
		{"forbidden", catalog.Request{Tool: "fake", Prompt: "x"}, Meta{Claims: limited}, http.StatusForbidden},
		{"bad credential file", catalog.Request{Tool: "fake", Prompt: "x", CredentialPath: "/nonexistent/creds.env"}, Meta{}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Start(context.Background(), tc.req, tc.meta)
			require.Error(t, err)
			assert.Equal(t, tc.status, StatusCode(err))
		})
	}
}

func TestStart_CredentialsReachTool(t *testing.T) {
	c, err := catalog.New(catalog.Tool{
		Name:       "fake",
		Command:    writeScript(t, `cat > /dev/null
printf '{"type":"assistant","message":{"content":[{"type":"text","text":"key=%s"}]}}\n' "$FAKE_API_KEY"
`),
		PromptMode: runner.PromptStdin,
	})
	require.NoError(t, err)

	creds := filepath.Join(t.TempDir(), "creds.env")
	require.NoError(t, os.WriteFile(creds, []byte("FAKE_API_KEY=sk-123\n"), 0o600))

	r := New(Options{
		Catalog:     catalog.NewStaticStore(c),
		Credentials: credentials.NewResolver(logging.Discard(), credentials.ExplicitFile()),
		Logger:      logging.Discard(),
	})
	inv, err := r.Start(context.Background(), catalog.Request{Tool: "fake", Prompt: "hi", CredentialPath: creds}, Meta{})
	require.NoError(t, err)

	sum := inv.Run(&collector{})
	assert.Equal(t, "key=sk-123", sum.Response)
}

func TestStart_ConfinedCredentialPath(t *testing.T) {
	c, err := catalog.New(catalog.Tool{Name: "fake", Command: writeScript(t, helloScript), PromptMode: runner.PromptStdin})
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "creds.env")
	require.NoError(t, os.WriteFile(outside, []byte("FAKE_API_KEY=sk-123\n"), 0o600))

	r := New(Options{
		Catalog:     catalog.NewStaticStore(c),
		Credentials: credentials.NewResolver(logging.Discard(), credentials.ConfinedFile(t.TempDir())),
		Logger:      logging.Discard(),
	})
	for _, path := range []string{outside, "/nonexistent/creds.env"} {
		_, err := r.Start(context.Background(), catalog.Request{Tool: "fake", Prompt: "x", CredentialPath: path}, Meta{})
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, StatusCode(err))
		assert.ErrorIs(t, err, credentials.ErrPathNotPermitted)
		assert.NotContains(t, err.Error(), path)
	}
}

func TestInvocation_CanceledThroughRegistry(t *testing.T) {
	r, reg, runs := newRelay(t, catalog.Tool{
		Name:    "slow",
		Command: writeScript(t, "echo started\nsleep 30\n"),
	})

	inv, err := r.Start(context.Background(), catalog.Request{Tool: "slow", Prompt: "hi"}, Meta{})
	require.NoError(t, err)

	done := make(chan stream.Summary, 1)
	go func() { done <- inv.Run(&collector{}) }()

	_, err = reg.Cancel(inv.ID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	assert.True(t, errors.Is(context.Cause(inv.Context()), streams.ErrCanceledByOperator))
	assert.Equal(t, persistence.RunCanceled, runs.finished[inv.ID].Status)
}

func TestInvocation_MaxDuration(t *testing.T) {
	c, err := catalog.New(catalog.Tool{Name: "slow", Command: writeScript(t, "sleep 30\n")})
	require.NoError(t, err)
	r := New(Options{
		Catalog:     catalog.NewStaticStore(c),
		MaxDuration: 200 * time.Millisecond,
		StopGrace:   time.Second,
		Logger:      logging.Discard(),
	})

	inv, err := r.Start(context.Background(), catalog.Request{Tool: "slow", Prompt: "hi"}, Meta{})
	require.NoError(t, err)

	em := &collector{}
	inv.Run(em)
	assert.ErrorIs(t, context.Cause(inv.Context()), ErrMaxDuration)
	require.NotEmpty(t, em.events)
	assert.Equal(t, stream.TypeDone, em.events[len(em.events)-1].Type())
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCode(nil))
	assert.Equal(t, http.StatusBadGateway, StatusCode(&runner.SpawnError{Command: "x", Err: errors.New("boom")}))
	assert.Equal(t, http.StatusFailedDependency, StatusCode(&runner.SpawnError{Command: "x", NotFound: true}))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("other")))
}
