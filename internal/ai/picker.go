package ai

import (
	"context"
	"strings"

	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/router"
)

var pickSchema = MustCompileSchema("route-pick.json", `{
	"type": "object",
	"required": ["handler", "reason"],
	"properties": {
		"handler": {"type": "string", "minLength": 1},
		"reason": {"type": "string"}
	},
	"additionalProperties": false
}`)

const pickSystem = `Eres el clasificador de intenciones de un asistente personal.
Elige el handler que mejor responde al mensaje, SOLO entre los candidatos dados.
Responde SOLO con JSON: {"handler": "<candidato>", "reason": "<breve motivo>"}.`

// RoutePicker adapts a ChatProvider to the router's fallback interface.
type RoutePicker struct {
	provider ChatProvider
}

func NewRoutePicker(p ChatProvider) *RoutePicker {
	return &RoutePicker{provider: p}
}

func (rp *RoutePicker) PickHandler(ctx context.Context, text string, candidates []string) (router.AIPick, error) {
	var b strings.Builder
	b.WriteString("Mensaje: ")
	b.WriteString(text)
	b.WriteString("\nCandidatos: ")
	b.WriteString(strings.Join(candidates, ", "))

	raw, err := rp.provider.Ask(ctx, pickSystem, b.String())
	if err != nil {
		return router.AIPick{}, err
	}

	var answer router.AIPick
	if err := DecodeStrict(pickSchema, raw, &answer); err != nil {
		return router.AIPick{}, fault.Wrap(fault.KindPermanent, err, "route pick")
	}
	answer.Handler = strings.TrimSpace(strings.ToLower(answer.Handler))
	for _, c := range candidates {
		if answer.Handler == c {
			return answer, nil
		}
	}
	return router.AIPick{}, fault.Permanent("model picked %q, not a candidate", answer.Handler)
}
