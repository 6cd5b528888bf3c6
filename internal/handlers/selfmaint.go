package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/almacen/mayordomo/internal/ai"
	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/policy"
)

var (
	skillsRe  = regexp.MustCompile(`\b(?:habilidades|skills|que sabes hacer|que puedes hacer)\b`)
	execCmdRe = regexp.MustCompile(`\b(?:ejecuta|ejecutar|corre|correr|lanza|lanzar)\b (?:el comando )?(.+)$`)

	shellTimeout = 30 * time.Second
	maxCmdOutput = 4 * 1024
)

// SelfMaintenanceHandler runs operational commands on the host. Direct
// commands run verbatim; natural-language requests go through the AI
// shell planner first. Both paths sit behind the exec capability, so the
// policy gate demands an approval code before Run is ever called.
type SelfMaintenanceHandler struct {
	provider ai.ChatProvider
	skills   []string
}

func NewSelfMaintenanceHandler(provider ai.ChatProvider, skills []string) *SelfMaintenanceHandler {
	return &SelfMaintenanceHandler{provider: provider, skills: skills}
}

func (h *SelfMaintenanceHandler) Name() string               { return "self-maintenance" }
func (h *SelfMaintenanceHandler) RequiredCapability() string { return policy.CapExec }

func (h *SelfMaintenanceHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	folded := foldText(req.Text)
	params := map[string]string{}

	switch {
	case skillsRe.MatchString(folded):
		params["action"] = "skills"

	case execCmdRe.MatchString(folded):
		params["action"] = "exec"
		params["command"] = strings.TrimSpace(execCmdRe.FindStringSubmatch(req.Text)[1])

	default:
		if h.provider == nil {
			return nil, &MissingParams{
				Missing:  []string{"command"},
				Question: "Dime el comando exacto con «ejecuta <comando>».",
			}, nil
		}
		plan, err := h.provider.PlanShellAction(ctx, req.Text)
		if err != nil {
			return nil, nil, err
		}
		params["action"] = "exec"
		params["command"] = plan.Command
		params["explanation"] = plan.Explanation
	}

	return &ActionInput{Request: req, Params: params}, nil, nil
}

func (h *SelfMaintenanceHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	switch input.Params["action"] {
	case "skills":
		if len(h.skills) == 0 {
			return reply("No tengo habilidades registradas."), nil
		}
		var b strings.Builder
		b.WriteString("Habilidades:\n")
		for i, s := range h.skills {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
		return reply(strings.TrimRight(b.String(), "\n")), nil

	default: // exec
		command := input.Params["command"]
		if command == "" {
			return nil, fault.Validation("comando vacío")
		}

		execCtx, cancel := context.WithTimeout(ctx, shellTimeout)
		defer cancel()

		cmd := exec.CommandContext(execCtx, "sh", "-c", command)
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		runErr := cmd.Run()

		output := buf.String()
		if len(output) > maxCmdOutput {
			output = output[:maxCmdOutput] + "…"
		}
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fault.Transient("comando agotó el tiempo: %s", command)
		}
		if runErr != nil {
			msg := fmt.Sprintf("Falló `%s`: %v", command, runErr)
			if output != "" {
				msg += "\n" + output
			}
			return failure(msg), nil
		}
		if output == "" {
			output = "(sin salida)"
		}
		lines := []string{fmt.Sprintf("$ %s", command), output}
		if exp := input.Params["explanation"]; exp != "" {
			lines = append([]string{exp}, lines...)
		}
		return reply(strings.Join(lines, "\n")), nil
	}
}
