package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/aeg-devices/loki-update/pkg/db"
	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/model"
)

// RequestBackup queues a copy of the primary boot chain to backup storage.
// Writing false only clears a request that has not started yet.
func (p *Pipeline) RequestBackup(on bool) error {
	return p.requestChainCopy(on, db.KindBackup, model.TargetEMMC, model.TargetBackup)
}

// RequestRestore queues a copy of the backup boot chain to primary storage.
func (p *Pipeline) RequestRestore(on bool) error {
	return p.requestChainCopy(on, db.KindRestore, model.TargetBackup, model.TargetEMMC)
}

func (p *Pipeline) setRequested(kind string, v bool) {
	p.state.update(func(s *Snapshot) {
		if kind == db.KindBackup {
			s.BackupRequested = v
		} else {
			s.RestoreRequested = v
		}
	})
}

func (p *Pipeline) setSuccess(kind string, v bool) {
	p.state.update(func(s *Snapshot) {
		if kind == db.KindBackup {
			s.BackupSuccess = v
		} else {
			s.RestoreSuccess = v
		}
	})
}

func (p *Pipeline) requestChainCopy(on bool, kind string, from, to model.Target) error {
	if !on {
		p.setRequested(kind, false)
		return nil
	}

	src, ok := p.cfg.BasePaths[from]
	if !ok {
		return &errors.NotFoundError{What: fmt.Sprintf("%s base path", from)}
	}
	dst, ok := p.cfg.BasePaths[to]
	if !ok {
		return &errors.NotFoundError{What: fmt.Sprintf("%s base path", to)}
	}

	id := uuid.NewString()
	chain := p.cfg.Chain.Names()
	p.record(id, kind, model.TransferRequest{Target: to, Files: stagedNames(chain), Source: string(from)})
	p.setRequested(kind, true)

	err := p.sched.Submit(kind+"-"+id, func(ctx context.Context) {
		p.setRequested(kind, false)
		p.setSuccess(kind, false)
		p.start(id)

		err := p.copyChain(ctx, kind, to, src, dst, chain)
		if err == nil {
			p.setSuccess(kind, true)
		}
		p.refresh(ctx, to)
		p.finish(id, err)
	})
	if err != nil {
		p.setRequested(kind, false)
		p.finish(id, err)
		return err
	}
	slog.Info("chain_copy_requested", "job_id", id, "kind", kind, "from", from, "to", to)
	return nil
}

func (p *Pipeline) copyChain(ctx context.Context, kind string, to model.Target, src, dst string, chain []string) error {
	if p.locks != nil {
		l := p.locks.For(string(to))
		if err := l.Lock(ctx); err != nil {
			p.failStatus(to, "", err)
			return errors.Wrap(err, "lock target")
		}
		defer l.Unlock(ctx)
	}

	if kind == db.KindBackup {
		if err := os.MkdirAll(dst, 0755); err != nil {
			p.failStatus(to, "", err)
			return errors.Wrap(err, "create backup dir")
		}
	}

	slog.Info("chain_copy_start", "kind", kind, "src", src, "dst", dst)
	if err := p.copySet(ctx, to, src, dst, chain); err != nil {
		slog.Error("chain_copy_failed", "kind", kind, "error", err)
		return err
	}
	slog.Info("chain_copy_complete", "kind", kind)
	return nil
}

func stagedNames(names []string) []model.StagedFile {
	out := make([]model.StagedFile, len(names))
	for i, n := range names {
		out[i] = model.StagedFile{Name: n}
	}
	return out
}
