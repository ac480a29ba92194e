package scheduler

import (
	"context"
	"sort"
	"strings"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/logging"
	"github.com/Iron-Ham/stagehand/internal/sharedctx"
)

// seedKnown records the artifacts present before the first cohort so that
// only paths produced by this run are reported.
func (s *Scheduler) seedKnown(ctx context.Context) {
	if s.cfg.Store == nil {
		return
	}
	nodes, err := s.cfg.Store.GetStructure(ctx, s.cfg.JobID)
	if err != nil {
		s.logger.Debug("initial structure unavailable", "error", err.Error())
		return
	}
	for _, p := range artifact.FlattenPaths(nodes) {
		s.known[p] = true
	}
	if len(nodes) > 0 {
		_ = s.cfg.Context.Write(sharedctx.StructureSection, artifact.FormatTree(nodes))
	}
}

// refresh rewrites the structure section from the store and reports paths
// that appeared during u. Failures are logged; the job goes on with the
// previous structure.
func (s *Scheduler) refresh(ctx context.Context, u unit) {
	if s.cfg.Store == nil {
		return
	}
	nodes, err := s.cfg.Store.GetStructure(ctx, s.cfg.JobID)
	if err != nil {
		s.logger.Warn("structure refresh failed", "error", err.Error())
		return
	}
	if err := s.cfg.Context.Write(sharedctx.StructureSection, artifact.FormatTree(nodes)); err != nil {
		s.logger.Warn("structure not stored", "error", err.Error())
	}

	var created []string
	for _, p := range artifact.FlattenPaths(nodes) {
		if s.known[p] {
			continue
		}
		s.known[p] = true
		if !strings.HasPrefix(p, agentLogPrefix) {
			created = append(created, p)
		}
	}
	if len(created) == 0 {
		return
	}
	sort.Strings(created)

	// Artifacts of a parallel cohort cannot be told apart by member.
	number := 0
	if u.validation == nil && !u.cohort.Parallel() {
		number = u.cohort.Stages[0].Number
		if section := u.cohort.Stages[0].OutputSection(); section != "" {
			notice := "Created: " + strings.Join(created, ", ")
			if err := s.cfg.Context.Append(section, notice); err != nil {
				s.logger.Warn("artifact notice not stored", "section", section, "error", err.Error())
			}
		}
	} else if u.validation != nil {
		number = u.validation.Number
	}
	for _, p := range created {
		s.publish(event.NewArtifactCreatedEvent(s.cfg.JobID, p, number))
	}
	s.logger.Info("artifacts created", "count", len(created))
}

// saveSnapshot persists the shared context into the job root.
func (s *Scheduler) saveSnapshot(ctx context.Context, log *logging.Logger) {
	if s.cfg.Store == nil {
		return
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	data, err := sharedctx.MarshalSnapshot(s.cfg.Context.Snapshot())
	if err != nil {
		log.Warn("context snapshot not encoded", "error", err.Error())
		return
	}
	err = artifact.Put(context.WithoutCancel(ctx), s.cfg.Store, s.cfg.JobID, artifact.SnapshotPath, string(data), "Save context snapshot")
	if err != nil {
		log.Warn("context snapshot not saved", "error", err.Error())
	}
}
