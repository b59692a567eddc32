// Package pruner implements retention: expired run records are dropped from
// the registry together with their patch and log state, and old artifact
// directories are swept from disk.
package pruner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/quantflow/orchestrator/config"
	"github.com/quantflow/orchestrator/internal/logstream"
	"github.com/quantflow/orchestrator/internal/patch"
	"github.com/quantflow/orchestrator/internal/registry"
	applog "github.com/quantflow/orchestrator/log"
)

// Pruner periodically sweeps the registry and the results directory.
type Pruner struct {
	cfg      *config.Config
	logger   applog.Logger
	registry *registry.Registry
	logs     *logstream.Stream
	status   *patch.Engine
	content  *patch.ContentEngine
}

// New wires a pruner.
func New(cfg *config.Config, logger applog.Logger, reg *registry.Registry, logs *logstream.Stream, status *patch.Engine, content *patch.ContentEngine) *Pruner {
	return &Pruner{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		logs:     logs,
		status:   status,
		content:  content,
	}
}

// Run loops until ctx is canceled, sweeping every PruneInterval.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep performs one pruning pass.
func (p *Pruner) Sweep() {
	p.sweepRegistry()
	p.sweepArtifacts()
}

// sweepRegistry removes expired run records and every piece of per-run state
// keyed on the removed ids. Forgetting the patch state matters: a run id can
// never be reused, but the maps would otherwise grow without bound.
func (p *Pruner) sweepRegistry() {
	removed := p.registry.Prune(p.cfg.RunMaxAge)
	for _, runID := range removed {
		p.status.Forget(runID)
		p.content.Forget(runID)
		p.logs.Forget(runID)
	}
	if len(removed) > 0 {
		p.logger.Info("pruned expired runs", "count", len(removed))
	}
}

// sweepArtifacts enforces the per-ticker keep count and the optional age cap
// on results directories. Directories of active runs are never touched.
func (p *Pruner) sweepArtifacts() {
	protected := p.registry.ProtectedPaths()

	tickers, err := os.ReadDir(p.cfg.ResultsDir)
	if err != nil {
		return
	}
	for _, t := range tickers {
		if !t.IsDir() {
			continue
		}
		p.sweepTickerDir(filepath.Join(p.cfg.ResultsDir, t.Name()), protected)
	}
}

type runDir struct {
	path    string
	modTime time.Time
}

func (p *Pruner) sweepTickerDir(dir string, protected map[string]struct{}) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var dirs []runDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, runDir{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modTime.After(dirs[j].modTime) })

	var ageCutoff time.Time
	if p.cfg.ResultsMaxAgeDays > 0 {
		ageCutoff = time.Now().AddDate(0, 0, -p.cfg.ResultsMaxAgeDays)
	}

	for i, d := range dirs {
		if _, ok := protected[d.path]; ok {
			continue
		}
		tooMany := p.cfg.ResultsKeepPerTicker > 0 && i >= p.cfg.ResultsKeepPerTicker
		tooOld := !ageCutoff.IsZero() && d.modTime.Before(ageCutoff)
		if !tooMany && !tooOld {
			continue
		}
		if err := os.RemoveAll(d.path); err != nil {
			p.logger.Warn("artifact removal failed", "path", d.path, "error", err)
			continue
		}
		p.logger.Info("pruned artifact dir", "path", d.path)
	}
}
