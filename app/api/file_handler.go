package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"privaterag/loader/service"
	"privaterag/logger"
	"privaterag/types"

	"github.com/gofiber/fiber/v2"
)

// Ingester is the part of the ingestion service the upload handler needs.
type Ingester interface {
	Staging() *service.Staging
	Ingest(ctx context.Context, project, collection string, files []string) (service.Result, error)
}

type FileHandler struct {
	ingester Ingester
	logger   *slog.Logger
}

func NewFileHandler(ingester Ingester, l *slog.Logger) *FileHandler {
	return &FileHandler{
		ingester: ingester,
		logger:   logger.OrDefault(l),
	}
}

// HandleEmbed stages the uploaded files, ingests them into the collection
// and always removes the staged copies.
func (h *FileHandler) HandleEmbed(c *fiber.Ctx) (err error) {
	var params types.EmbedParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	form, err := c.MultipartForm()
	if err != nil {
		return ErrBadRequest()
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return ErrNoFiles()
	}

	collection := params.CollectionName
	if collection == "" {
		collection = service.DefaultCollection(headers[0].Filename)
	}

	batch, err := h.ingester.Staging().NewBatch(params.ProjectName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := batch.Cleanup(); cerr != nil {
			h.logger.Error("cleanup staged files", "dir", batch.Dir, "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	saved := make([]string, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("%w: open upload %s: %w", types.ErrStagingIO, fh.Filename, err)
		}
		path, err := batch.Save(fh.Filename, f)
		f.Close()
		if err != nil {
			return err
		}
		saved = append(saved, h.ingester.Staging().Rel(path))
	}

	res, err := h.ingester.Ingest(c.UserContext(), params.ProjectName, collection, batch.Files())
	if err != nil {
		return err
	}

	resp := types.EmbedResponse{
		SavedFiles:      saved,
		Collection:      collection,
		DocumentsLoaded: res.DocumentsLoaded,
		ChunksCreated:   res.ChunksCreated,
		Failed:          make([]types.FailedFile, 0, len(res.Failures)),
	}
	for _, f := range res.Failures {
		resp.Failed = append(resp.Failed, types.FailedFile{File: filepath.Base(f.Path), Error: f.Err.Error()})
	}

	if res.DocumentsLoaded == 0 {
		resp.Message = "no documents could be loaded"
		resp.Error = "all files failed to load"
		if len(res.Failures) > 0 && allUnsupported(res.Failures) {
			resp.Error = types.ErrUnsupportedFormat.Error()
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(resp)
	}

	resp.Message = fmt.Sprintf("Files embedded successfully into collection %s", collection)
	return c.JSON(resp)
}

func allUnsupported(failures []types.FileError) bool {
	for _, f := range failures {
		if !errors.Is(f.Err, types.ErrUnsupportedFormat) {
			return false
		}
	}
	return true
}
