package api

import (
	"context"
	"log/slog"
	"privaterag/app/agent"
	"privaterag/logger"
	"privaterag/types"

	"github.com/gofiber/fiber/v2"
)

type Retriever interface {
	Retrieve(ctx context.Context, collection, query string, k int) (agent.Answer, error)
}

type RequestHandler struct {
	retriever Retriever
	logger    *slog.Logger
}

func NewRequestHandler(retriever Retriever, l *slog.Logger) *RequestHandler {
	return &RequestHandler{
		retriever: retriever,
		logger:    logger.OrDefault(l),
	}
}

// HandleRetrieve accepts query and collection_name from a JSON or form body.
// Fields the body leaves empty are taken from the query string.
func (h *RequestHandler) HandleRetrieve(c *fiber.Ctx) error {
	var params types.RetrieveParams
	if len(c.Body()) > 0 {
		if c.BodyParser(&params) != nil {
			return ErrBadRequest()
		}
	}
	if params.Query == "" || params.CollectionName == "" {
		var fromURL types.RetrieveParams
		if c.QueryParser(&fromURL) != nil {
			return ErrBadRequest()
		}
		if params.Query == "" {
			params.Query = fromURL.Query
		}
		if params.CollectionName == "" {
			params.CollectionName = fromURL.CollectionName
		}
		if params.K == 0 {
			params.K = fromURL.K
		}
	}

	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	ans, err := h.retriever.Retrieve(c.UserContext(), params.CollectionName, params.Query, params.K)
	if err != nil {
		return err
	}

	resp := types.RetrieveResponse{
		Results: ans.Text,
		Docs:    make([]types.SourceDoc, len(ans.Sources)),
	}
	for i, src := range ans.Sources {
		resp.Docs[i] = types.SourceDoc{
			Text:     src.Content,
			Metadata: types.CloneMetadata(src.Metadata),
			Score:    src.Score,
		}
	}
	h.logger.Info("query answered", "collection", params.CollectionName, "sources", len(resp.Docs))
	return c.JSON(resp)
}
