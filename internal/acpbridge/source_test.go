package acpbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/aitools-relay/internal/logging"
	"github.com/workspace/aitools-relay/internal/protocol"
)

// The test binary doubles as a fake ACP agent when this variable is set.
const fakeAgentEnv = "ACPBRIDGE_FAKE_AGENT"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeAgentEnv); mode != "" {
		runFakeAgent(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type fakeAgent struct {
	mode string
	conn *acpsdk.AgentSideConnection
}

func runFakeAgent(mode string) {
	agent := &fakeAgent{mode: mode}
	agent.conn = acpsdk.NewAgentSideConnection(agent, os.Stdout, os.Stdin)
	<-agent.conn.Done()
}

func (a *fakeAgent) Initialize(_ context.Context, _ acpsdk.InitializeRequest) (acpsdk.InitializeResponse, error) {
	return acpsdk.InitializeResponse{ProtocolVersion: acpsdk.ProtocolVersionNumber}, nil
}

func (a *fakeAgent) NewSession(_ context.Context, _ acpsdk.NewSessionRequest) (acpsdk.NewSessionResponse, error) {
	return acpsdk.NewSessionResponse{SessionId: "fake-session"}, nil
}

func (a *fakeAgent) Authenticate(_ context.Context, _ acpsdk.AuthenticateRequest) (acpsdk.AuthenticateResponse, error) {
	return acpsdk.AuthenticateResponse{}, nil
}

func (a *fakeAgent) LoadSession(_ context.Context, _ acpsdk.LoadSessionRequest) (acpsdk.LoadSessionResponse, error) {
	return acpsdk.LoadSessionResponse{}, fmt.Errorf("not supported")
}

func (a *fakeAgent) Cancel(_ context.Context, _ acpsdk.CancelNotification) error {
	return nil
}

func (a *fakeAgent) SetSessionMode(_ context.Context, _ acpsdk.SetSessionModeRequest) (acpsdk.SetSessionModeResponse, error) {
	return acpsdk.SetSessionModeResponse{}, nil
}

func (a *fakeAgent) SetSessionModel(_ context.Context, _ acpsdk.SetSessionModelRequest) (acpsdk.SetSessionModelResponse, error) {
	return acpsdk.SetSessionModelResponse{}, nil
}

func (a *fakeAgent) Prompt(ctx context.Context, params acpsdk.PromptRequest) (acpsdk.PromptResponse, error) {
	switch a.mode {
	case "fail":
		return acpsdk.PromptResponse{}, fmt.Errorf("model unavailable")
	case "crash":
		os.Exit(3)
	case "hang":
		<-ctx.Done()
		return acpsdk.PromptResponse{StopReason: acpsdk.StopReasonCancelled}, nil
	}

	send := func(u acpsdk.SessionUpdate) {
		_ = a.conn.SessionUpdate(ctx, acpsdk.SessionNotification{SessionId: params.SessionId, Update: u})
	}
	send(acpsdk.UpdateAgentMessageText("Hello world"))
	send(acpsdk.StartToolCall("call-1", "Read main.go", acpsdk.WithStartKind(acpsdk.ToolKindRead)))
	send(acpsdk.UpdateToolCall("call-1", acpsdk.WithUpdateStatus(acpsdk.ToolCallStatusCompleted)))
	// Let the client drain the updates before the response arrives.
	time.Sleep(100 * time.Millisecond)
	return acpsdk.PromptResponse{StopReason: acpsdk.StopReasonEndTurn}, nil
}

func startFake(t *testing.T, ctx context.Context, mode string) *Source {
	t.Helper()
	src, err := Start(ctx, Spec{
		Command:   os.Args[0],
		Env:       map[string]string{fakeAgentEnv: mode},
		Prompt:    "say hello",
		Model:     "fake-model",
		WorkDir:   t.TempDir(),
		StopGrace: time.Second,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

func drain(t *testing.T, src *Source) ([]protocol.Record, error) {
	t.Helper()
	var recs []protocol.Record
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}

func TestSource_PromptTurn(t *testing.T) {
	src := startFake(t, context.Background(), "ok")

	recs, err := drain(t, src)
	require.NoError(t, err)
	require.NotEmpty(t, recs)

	assert.Equal(t, protocol.System{Subtype: "init", SessionID: "fake-session", Model: "fake-model"}, recs[0])
	assert.Contains(t, recs, protocol.Record(protocol.Assistant{Items: []protocol.AssistantItem{protocol.Text{Value: "Hello world"}}}))
	assert.Contains(t, recs, protocol.Record(protocol.Assistant{Items: []protocol.AssistantItem{protocol.ToolUse{Name: "Read main.go", ID: "call-1"}}}))
	assert.Contains(t, recs, protocol.Record(protocol.User{Results: []protocol.ToolResult{{ToolID: "call-1"}}}))

	last, ok := recs[len(recs)-1].(protocol.Result)
	require.True(t, ok, "last record should be the turn result, got %T", recs[len(recs)-1])
	assert.Equal(t, "end_turn", last.Subtype)
	assert.False(t, last.IsError)

	code, err := src.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close())
}

func TestSource_PromptError(t *testing.T) {
	src := startFake(t, context.Background(), "fail")

	_, err := drain(t, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACP prompt failed")
}

func TestSource_AgentCrash(t *testing.T) {
	src := startFake(t, context.Background(), "crash")

	_, err := drain(t, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent exited with code 3")

	code, _ := src.Wait()
	assert.Equal(t, 3, code)
}

func TestSource_ContextCancelStopsAgent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := startFake(t, ctx, "hang")

	// Wait for the session to exist before cancelling.
	rec, err := src.Next()
	require.NoError(t, err)
	require.IsType(t, protocol.System{}, rec)

	cancel()

	done := make(chan struct{})
	go func() {
		drain(t, src)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("source did not end after cancellation")
	}
	select {
	case <-src.exited:
	case <-time.After(10 * time.Second):
		t.Fatal("agent still running after cancellation")
	}
}

func TestStart_NotFound(t *testing.T) {
	_, err := Start(context.Background(), Spec{Command: "definitely-not-an-acp-agent-xyz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command not found")
}
