package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/almacen/mayordomo/internal/fault"
)

var limPrefixRe = regexp.MustCompile(`^/?lim\b ?(.*)$`)

// ConnectorHandler forwards commands to the external home connector over
// HTTP. The connector answers {"ok": bool, "message": string}.
type ConnectorHandler struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewConnectorHandler(baseURL, token string) *ConnectorHandler {
	return &ConnectorHandler{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *ConnectorHandler) Name() string               { return "connector" }
func (h *ConnectorHandler) RequiredCapability() string { return "" }

func (h *ConnectorHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	folded := foldText(req.Text)
	command := strings.TrimSpace(req.Text)
	if m := limPrefixRe.FindStringSubmatch(folded); m != nil {
		command = strings.TrimSpace(m[1])
	}
	if command == "" {
		return nil, &MissingParams{Missing: []string{"command"}, Question: "¿Qué le pido al conector?"}, nil
	}
	return &ActionInput{Request: req, Params: map[string]string{"command": command}}, nil, nil
}

func (h *ConnectorHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	if h.baseURL == "" {
		return failure("El conector no está configurado."), nil
	}

	payload, _ := json.Marshal(map[string]any{
		"command": input.Params["command"],
		"chatId":  input.ChatID,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/command", bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, err, "connector request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "connector call")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 32*1024))
	switch {
	case resp.StatusCode >= 500:
		return nil, fault.Transient("connector %d: %s", resp.StatusCode, truncate(string(body), 200))
	case resp.StatusCode >= 400:
		return nil, fault.Permanent("connector %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var answer struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &answer); err != nil || answer.Message == "" {
		return reply(truncate(string(body), 1000)), nil
	}
	if !answer.OK {
		return failure(answer.Message), nil
	}
	return reply(answer.Message), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s…", s[:n])
}
