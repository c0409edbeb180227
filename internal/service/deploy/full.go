package deploy

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vague-archive/cloud-platform-sub000/internal/notify"
	"github.com/vague-archive/cloud-platform-sub000/internal/storage"
)

const pipelineFull = "full"

// FullDeployCommand deploys a gzip-compressed tar archive.
type FullDeployCommand struct {
	Target
	Archive io.Reader
}

// Deploy starts a deploy, extracts the archive into its path and activates
// it. Once the deploy row exists, any ingestion error fails the deploy and is
// returned as a *FailedError.
func (e Engine) Deploy(ctx context.Context, cmd FullDeployCommand) (*Result, error) {
	if err := cmd.Target.normalize(); err != nil {
		return nil, err
	}
	if cmd.Archive == nil {
		return nil, invalid("archive", "required")
	}
	s, err := e.startDeploy(ctx, cmd.Target)
	if err != nil {
		return nil, err
	}

	written, err := e.extractArchive(ctx, cmd.Archive, s.deploy.Path)
	e.metrics.addFiles(pipelineFull, written)
	if err != nil {
		return nil, e.failDeploy(ctx, pipelineFull, s, err)
	}
	return e.finish(ctx, pipelineFull, s)
}

// finish activates s and builds the caller's result.
func (e Engine) finish(ctx context.Context, pipeline string, s *started) (*Result, error) {
	// every file is in place; a client going away now must not strand the
	// deploy in Deploying.
	ctx, cancel := settleContext(ctx)
	defer cancel()
	act, err := e.activate(ctx, s.game.ID, s.deploy.ID)
	if err != nil {
		return nil, err
	}
	branchSlug := s.branch.Slug
	if act.branch != nil {
		branchSlug = act.branch.Slug
	}
	res := s.result(act.outcome, e.publicURL(s.org.Slug, s.game.Slug, branchSlug), e.now())
	e.metrics.observeDeploy(pipeline, string(act.outcome), res.Duration.Seconds())
	ev := s.event(notify.KindFinished, res.Duration)
	ev.Branch = branchSlug
	ev.Outcome = string(act.outcome)
	ev.URL = res.URL
	e.announce(ctx, ev)
	return res, nil
}

// extractArchive reads entries in order and writes each one concurrently,
// holding at most ArchiveConcurrency buffered entries in flight.
func (e Engine) extractArchive(ctx context.Context, archive io.Reader, root string) (int, error) {
	zr, err := gzip.NewReader(archive)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var budget int64 = -1
	if e.cfg.MaxArchiveBytes > 0 {
		budget = e.cfg.MaxArchiveBytes
	}

	sem := semaphore.NewWeighted(int64(e.cfg.ArchiveConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	written := 0
	var readErr error
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("read archive: %w", err)
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		key, err := storage.JoinKey(root, hdr.Name)
		if err != nil {
			readErr = fmt.Errorf("archive entry: %w", err)
			break
		}
		if budget >= 0 {
			if hdr.Size > budget {
				readErr = fmt.Errorf("archive exceeds %d bytes", e.cfg.MaxArchiveBytes)
				break
			}
			budget -= hdr.Size
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			readErr = fmt.Errorf("read %s: %w", hdr.Name, err)
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			// a write failed and cancelled gctx; Wait reports it.
			break
		}
		written++
		g.Go(func() error {
			defer sem.Release(1)
			return e.files.SaveBytes(gctx, key, data)
		})
	}
	if err := g.Wait(); err != nil {
		return written, err
	}
	if readErr == nil {
		readErr = ctx.Err()
	}
	return written, readErr
}
