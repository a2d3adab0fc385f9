package engine

import "context"

// splitEngine generates with one backend and embeds with another.
type splitEngine struct {
	gen   Engine
	embed Engine
}

func (s *splitEngine) Name() string {
	return s.gen.Name() + "+" + s.embed.Name()
}

func (s *splitEngine) Generate(ctx context.Context, req GenerateRequest, onChunk func(string) error) error {
	return s.gen.Generate(ctx, req, onChunk)
}

func (s *splitEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return s.embed.Embed(ctx, model, text)
}
