package handlers

import (
	"context"
	"hash/fnv"
	"regexp"

	"github.com/almacen/mayordomo/internal/ai"
)

var (
	greetRe  = regexp.MustCompile(`\b(?:hola|buenos dias|buenas tardes|buenas noches|que tal|como estas)\b`)
	thanksRe = regexp.MustCompile(`\b(?:gracias|te lo agradezco|genial|perfecto)\b`)
)

// Short maxims for offline operation; a configured provider answers in
// the same register instead.
var stoicMaxims = []string{
	"No está en tu mano lo que ocurre, sino cómo respondes. Empieza por ahí.",
	"Lo que te perturba no es el hecho, sino tu juicio sobre el hecho.",
	"Haz lo que toca hoy; el resto no te pertenece.",
	"Pide poco a la fortuna y mucho a ti mismo.",
	"Cada obstáculo es materia prima para la acción.",
}

const smalltalkSystem = `Eres un mayordomo sereno con formación estoica.
Responde en espanol, breve y cálido, sin sermones. Una o dos frases.`

type SmalltalkHandler struct {
	provider ai.ChatProvider
}

func NewSmalltalkHandler(provider ai.ChatProvider) *SmalltalkHandler {
	return &SmalltalkHandler{provider: provider}
}

func (h *SmalltalkHandler) Name() string               { return "stoic-smalltalk" }
func (h *SmalltalkHandler) RequiredCapability() string { return "" }

func (h *SmalltalkHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	return &ActionInput{Request: req, Params: map[string]string{}}, nil, nil
}

func (h *SmalltalkHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	if h.provider != nil {
		answer, err := h.provider.Ask(ctx, smalltalkSystem, input.Text)
		if err == nil && answer != "" {
			return reply(answer), nil
		}
	}

	folded := foldText(input.Text)
	switch {
	case greetRe.MatchString(folded):
		return reply("Hola. Aquí estoy, ¿en qué te ayudo?"), nil
	case thanksRe.MatchString(folded):
		return reply("A mandar."), nil
	default:
		// Stable pick so the same prompt gets the same maxim.
		hash := fnv.New32a()
		hash.Write([]byte(folded))
		return reply(stoicMaxims[int(hash.Sum32())%len(stoicMaxims)]), nil
	}
}
