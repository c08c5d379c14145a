package core

// cleaning.go is the cleaning operation log. Preview runs a batch against a
// copy of the dataset and writes nothing. Apply runs the same batch,
// materializes the result as one child version and appends one
// CleaningOperation per step. Revert flags the newest active operation of a
// chain; it never rewrites dataset data.
//
// All applies and reverts on one chain serialize on the root dataset's row
// lock, which also makes the per-chain Sequence and applied_at order
// strictly increasing. An apply must target the chain tip, so every chain
// stays linear.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/datamorph/internal/logging"
	"github.com/JonMunkholm/datamorph/internal/tabular"
	"github.com/google/uuid"
)

// MaxOperationsPerRequest bounds one clean request.
const MaxOperationsPerRequest = 50

// CleanRequest asks for a preview or an apply of an ordered batch.
type CleanRequest struct {
	Operations []Operation
	Apply      bool
	UserID     string
	// IdempotencyKey makes a resubmitted apply return the version the first
	// submission created.
	IdempotencyKey string
}

// StepPreview is the shape of the working table after one step.
type StepPreview struct {
	Columns       []string            `json:"columns"`
	SampleRows    []map[string]string `json:"sample_rows"`
	RowsBefore    int                 `json:"rows_before"`
	RowsAfter     int                 `json:"rows_after"`
	QualityBefore int                 `json:"quality_before"`
	QualityAfter  int                 `json:"quality_after"`
}

// OperationPreview is the dry-run outcome of one operation.
type OperationPreview struct {
	Operation    Operation   `json:"operation"`
	Preview      StepPreview `json:"preview"`
	AffectedRows int         `json:"affected_rows"`
}

// Clean result statuses.
const (
	CleanStatusPreview = "preview"
	CleanStatusApplied = "applied"
)

// CleanResult is returned by Clean. Previews is set in preview mode; the
// remaining fields in apply mode.
type CleanResult struct {
	Status     string              `json:"status"`
	Previews   []OperationPreview  `json:"previews,omitempty"`
	DatasetID  *uuid.UUID          `json:"dataset_id,omitempty"`
	Version    int                 `json:"version,omitempty"`
	Operations []CleaningOperation `json:"operations,omitempty"`
}

// errReplayed carries the version an earlier apply with the same key made.
type errReplayed struct{ dataset *Dataset }

func (e *errReplayed) Error() string { return "apply already recorded" }

// Clean previews or applies an ordered batch of operations against a
// dataset version.
func (s *Service) Clean(ctx context.Context, datasetID, tenantID uuid.UUID, req CleanRequest) (*CleanResult, error) {
	if len(req.Operations) == 0 {
		return nil, Validation("at least one operation is required")
	}
	if len(req.Operations) > MaxOperationsPerRequest {
		return nil, Validation("at most %d operations per request", MaxOperationsPerRequest)
	}

	parent, err := s.ownedDataset(ctx, datasetID, tenantID)
	if err != nil {
		return nil, err
	}

	if req.Apply && req.IdempotencyKey != "" {
		prior, err := s.store.FindDatasetByApplyKey(ctx, parent.RootDatasetID, req.IdempotencyKey)
		if err == nil {
			return s.appliedResult(ctx, prior)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if req.Apply {
		if err := ensureTip(ctx, s.store, parent); err != nil {
			return nil, err
		}
	}

	base, err := s.loadTable(ctx, parent)
	if err != nil {
		return nil, err
	}
	result, steps, err := runBatch(base, req.Operations)
	if err != nil {
		return nil, err
	}

	if !req.Apply {
		previews := make([]OperationPreview, len(steps))
		for i, st := range steps {
			previews[i] = OperationPreview{
				Operation: st.Op,
				Preview: StepPreview{
					Columns:       st.Columns,
					SampleRows:    st.Sample,
					RowsBefore:    st.RowsBefore,
					RowsAfter:     st.RowsAfter,
					QualityBefore: st.QualityBefore,
					QualityAfter:  st.QualityAfter,
				},
				AffectedRows: st.Affected,
			}
		}
		return &CleanResult{Status: CleanStatusPreview, Previews: previews}, nil
	}

	child := newChildVersion(parent, result, tabular.Assess(result), req.IdempotencyKey, s.now())
	if err := s.storeTable(ctx, child.DataKey, result); err != nil {
		return nil, err
	}

	userID := req.UserID
	if userID == "" {
		userID = tenantID.String()
	}

	var ops []CleaningOperation
	err = s.store.InTx(ctx, func(tx Repository) error {
		if _, err := tx.LockDataset(ctx, parent.RootDatasetID); err != nil {
			return err
		}
		if _, err := tx.GetDataset(ctx, parent.ID); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			prior, err := tx.FindDatasetByApplyKey(ctx, parent.RootDatasetID, req.IdempotencyKey)
			if err == nil {
				return &errReplayed{dataset: prior}
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if err := ensureTip(ctx, tx, parent); err != nil {
			return err
		}

		history, err := tx.ListOperationsByRoot(ctx, parent.RootDatasetID)
		if err != nil {
			return err
		}
		seq, at := nextOrdering(history, s.now())

		if err := tx.CreateDataset(ctx, child); err != nil {
			return err
		}
		ops = make([]CleaningOperation, len(steps))
		for i, st := range steps {
			ops[i] = CleaningOperation{
				ID:              uuid.New(),
				DatasetID:       parent.ID,
				ResultDatasetID: child.ID,
				RootDatasetID:   parent.RootDatasetID,
				Sequence:        seq + i,
				UserID:          userID,
				Op:              st.Op,
				RowsBefore:      st.RowsBefore,
				RowsAfter:       st.RowsAfter,
				QualityBefore:   st.QualityBefore,
				QualityAfter:    st.QualityAfter,
				AppliedAt:       at.Add(time.Duration(i) * time.Microsecond),
			}
			if err := tx.InsertOperation(ctx, &ops[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.deleteBlob(ctx, child.DataKey)
		var replay *errReplayed
		if errors.As(err, &replay) {
			return s.appliedResult(ctx, replay.dataset)
		}
		return nil, err
	}

	logging.WithFields(ctx, "dataset_id", parent.ID, "result_dataset_id", child.ID).
		Info("cleaning applied", "operations", len(ops), "version", child.Version)
	s.audit(ctx, AuditEvent{
		Action:       ActionCleanApply,
		TenantID:     tenantID,
		UserID:       userID,
		EntityID:     child.ID,
		RowsAffected: parent.RowCount - child.RowCount,
		Detail:       fmt.Sprintf("%d operations on version %d", len(ops), parent.Version),
	})

	id := child.ID
	return &CleanResult{Status: CleanStatusApplied, DatasetID: &id, Version: child.Version, Operations: ops}, nil
}

// ensureTip rejects an apply on a version that already has a newer version
// in its chain.
func ensureTip(ctx context.Context, repo Repository, ds *Dataset) error {
	versions, err := repo.ListDatasetsByFile(ctx, ds.FileID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.RootDatasetID != ds.RootDatasetID || v.ID == ds.ID {
			continue
		}
		if v.Version >= ds.Version {
			return Conflict("dataset %s is version %d but version %d (%s) is the latest; apply to the latest version",
				ds.ID, ds.Version, v.Version, v.ID)
		}
	}
	return nil
}

// nextOrdering returns the next sequence number and applied_at for a chain.
// applied_at is truncated to microseconds, the precision stores keep, and
// always advances past the newest recorded operation.
func nextOrdering(history []CleaningOperation, now time.Time) (int, time.Time) {
	at := now.Truncate(time.Microsecond)
	seq := 1
	for _, op := range history {
		if op.Sequence >= seq {
			seq = op.Sequence + 1
		}
		if !op.AppliedAt.Before(at) {
			at = op.AppliedAt.Add(time.Microsecond)
		}
	}
	return seq, at
}

func (s *Service) appliedResult(ctx context.Context, ds *Dataset) (*CleanResult, error) {
	history, err := s.store.ListOperationsByRoot(ctx, ds.RootDatasetID)
	if err != nil {
		return nil, err
	}
	var ops []CleaningOperation
	for _, op := range history {
		if op.ResultDatasetID == ds.ID {
			ops = append(ops, op)
		}
	}
	id := ds.ID
	return &CleanResult{Status: CleanStatusApplied, DatasetID: &id, Version: ds.Version, Operations: ops}, nil
}

// Revert flags the newest active operation of a chain as reverted. Any
// other operation is rejected with ErrConflict; an operation reverted
// before is rejected with ErrAlreadyReverted.
func (s *Service) Revert(ctx context.Context, operationID, tenantID uuid.UUID, userID string) (*CleaningOperation, error) {
	op, err := s.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedDataset(ctx, op.DatasetID, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NotFound("operation", operationID)
		}
		return nil, err
	}
	if userID == "" {
		userID = tenantID.String()
	}

	var reverted *CleaningOperation
	err = s.store.InTx(ctx, func(tx Repository) error {
		if _, err := tx.LockDataset(ctx, op.RootDatasetID); err != nil {
			return err
		}
		history, err := tx.ListOperationsByRoot(ctx, op.RootDatasetID)
		if err != nil {
			return err
		}

		var target, tip *CleaningOperation
		for i := range history {
			if history[i].ID == operationID {
				target = &history[i]
			}
			if history[i].Active() {
				tip = &history[i]
			}
		}
		switch {
		case target == nil:
			return NotFound("operation", operationID)
		case !target.Active():
			return ErrAlreadyReverted
		case tip.ID != target.ID:
			return Conflict("operation %s is not the most recent active operation; revert %s first", operationID, tip.ID)
		}

		ok, err := tx.MarkOperationReverted(ctx, operationID, userID, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyReverted
		}
		reverted, err = tx.GetOperation(ctx, operationID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, AuditEvent{
		Action:   ActionOperationRevert,
		TenantID: tenantID,
		UserID:   userID,
		EntityID: operationID,
		Detail:   reverted.Op.String(),
	})
	return reverted, nil
}

// Operations returns the operations that produced a dataset version, in
// replay order from its root.
func (s *Service) Operations(ctx context.Context, datasetID, tenantID uuid.UUID) ([]CleaningOperation, error) {
	ds, err := s.ownedDataset(ctx, datasetID, tenantID)
	if err != nil {
		return nil, err
	}
	chain, err := lineage(ctx, s.store, ds)
	if err != nil {
		return nil, err
	}
	inChain := make(map[uuid.UUID]bool, len(chain))
	for _, d := range chain {
		inChain[d.ID] = true
	}

	history, err := s.store.ListOperationsByRoot(ctx, ds.RootDatasetID)
	if err != nil {
		return nil, err
	}
	ops := make([]CleaningOperation, 0, len(history))
	for _, op := range history {
		if inChain[op.ResultDatasetID] {
			ops = append(ops, op)
		}
	}
	return ops, nil
}
