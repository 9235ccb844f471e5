package acpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
)

// client implements the acp-go-sdk Client interface. Session updates are
// translated and handed to the owning Source; filesystem and terminal
// requests are refused because the relay never advertises them.
type client struct {
	src    *Source
	logger *slog.Logger
}

func (c *client) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	for _, rec := range Records(params) {
		if !c.src.push(item{rec: rec}) {
			return nil
		}
	}
	return nil
}

// RequestPermission grants the first allow option so the agent can run
// non-interactively, falling back to the first option offered.
func (c *client) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if len(params.Options) == 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
		}, nil
	}
	choice := params.Options[0]
	for _, opt := range params.Options {
		if strings.HasPrefix(string(opt.Kind), "allow") {
			choice = opt
			break
		}
	}
	c.logger.Debug("ACP permission granted", "option", string(choice.OptionId), "optionsCount", len(params.Options))
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeSelected(choice.OptionId),
	}, nil
}

func (c *client) ReadTextFile(_ context.Context, _ acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("ReadTextFile not supported")
}

func (c *client) WriteTextFile(_ context.Context, _ acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("WriteTextFile not supported")
}

func (c *client) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *client) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *client) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *client) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *client) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}
