package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"privaterag/config"
	"privaterag/loader/service"
	"privaterag/logger"
	"privaterag/model"
	"privaterag/store"

	"github.com/spf13/cobra"
)

// runtime holds what every command needs, opened once per invocation.
type runtime struct {
	svc    *service.Service
	store  store.VectorStorer
	logger *slog.Logger
}

func (r *runtime) Close() error {
	return r.store.Close()
}

type openFunc func(ctx context.Context) (*runtime, error)

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	l := logger.New(cfg.Log.Level, cfg.Log.Format)

	storer, err := store.NewVectorStore(ctx, cfg.Store, l)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	embedder, err := model.NewEmbedder(cfg.Embeddings, l)
	if err != nil {
		storer.Close()
		return nil, err
	}
	svc, err := service.New(cfg.Ingest, embedder, storer, l)
	if err != nil {
		storer.Close()
		return nil, err
	}
	if err := svc.Staging().EnsureDirs(); err != nil {
		storer.Close()
		return nil, err
	}
	return &runtime{svc: svc, store: storer, logger: l}, nil
}

func newRootCmd(open openFunc) *cobra.Command {
	var rt *runtime

	root := &cobra.Command{
		Use:           "loader",
		Short:         "Ingest documents into privaterag collections",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			r, err := open(cmd.Context())
			if err != nil {
				return err
			}
			rt = r
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if rt == nil {
				return nil
			}
			return rt.Close()
		},
	}

	get := func() *runtime { return rt }
	root.AddCommand(
		newIngestCmd(get),
		newWatchCmd(get),
		newCollectionsCmd(get),
	)
	return root
}

func newIngestCmd(rt func() *runtime) *cobra.Command {
	var project, collection, dir string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest staged files, or every supported file under --dir",
		Long: `Ingests every supported file in the project's staging directory into
the collection. With --dir, the files under that directory are staged
first and the staged copies are removed afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := rt()
			var (
				res service.Result
				err error
			)
			if dir != "" {
				res, err = ingestDir(cmd.Context(), r.svc, project, collection, dir)
			} else {
				res, err = r.svc.IngestDirectory(cmd.Context(), project, collection)
			}
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}

			for _, f := range res.Failures {
				cmd.Printf("skipped %s: %v\n", f.Path, f.Err)
			}
			if res.DocumentsLoaded == 0 {
				return errors.New("no documents could be loaded")
			}
			cmd.Printf("Loaded %d documents, created %d chunks in collection %s.\n",
				res.DocumentsLoaded, res.ChunksCreated, collection)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project whose staging directory is used")
	cmd.Flags().StringVar(&collection, "collection", "", "target collection")
	cmd.Flags().StringVar(&dir, "dir", "", "directory to stage and ingest")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

// ingestDir stages every supported file under dir into a fresh batch and
// ingests the batch.
func ingestDir(ctx context.Context, svc *service.Service, project, collection, dir string) (res service.Result, err error) {
	batch, err := svc.Staging().NewBatch(project)
	if err != nil {
		return service.Result{}, err
	}
	defer func() {
		if cerr := batch.Cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !svc.Supported(path) {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = batch.Save(filepath.Base(path), f)
		return err
	})
	if err != nil {
		return service.Result{}, fmt.Errorf("stage %s: %w", dir, err)
	}
	return svc.Ingest(ctx, project, collection, batch.Files())
}

func newWatchCmd(rt func() *runtime) *cobra.Command {
	var project, collection string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest files as they are dropped into the project staging directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := rt()
			dir, err := r.svc.Staging().ProjectDir(project)
			if err != nil {
				return err
			}
			cmd.Printf("Watching %s for collection %s. Press Ctrl+C to stop.\n", dir, collection)
			if err := r.svc.Watch(cmd.Context(), project, collection); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project whose staging directory is watched")
	cmd.Flags().StringVar(&collection, "collection", "", "target collection")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

func newCollectionsCmd(rt func() *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collections and their chunk counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := rt()
			names, err := r.store.Collections(cmd.Context())
			if err != nil {
				return err
			}
			if len(names) == 0 {
				cmd.Println("No collections.")
				return nil
			}
			for _, name := range names {
				n, err := r.store.Count(cmd.Context(), name)
				if err != nil {
					return err
				}
				cmd.Printf("%s\t%d\n", name, n)
			}
			return nil
		},
	}
}
