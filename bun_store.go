package welfarekit

import (
	"context"
	"fmt"
	"time"

	"github.com/fernandezvara/dbkit"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// BunStore is the PostgreSQL Store and LocationDirectory, built on dbkit and bun.
//
// Example:
//
//	db, err := dbkit.New(dbkit.Config{URL: "postgres://..."})
//	store := welfarekit.NewBunStore(db, welfarekit.WithStoreLogger(logger))
//	if _, err := db.Migrate(ctx, store.Migrations()); err != nil {
//	    log.Fatal(err)
//	}
type BunStore struct {
	db      dbkit.IDB
	logger  *zap.Logger
	metrics *Metrics
}

// BunStoreOption configures a BunStore.
type BunStoreOption func(*BunStore)

// WithStoreLogger sets the store's logger.
func WithStoreLogger(logger *zap.Logger) BunStoreOption {
	return func(s *BunStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStoreMetrics records transaction durations on m.
func WithStoreMetrics(m *Metrics) BunStoreOption {
	return func(s *BunStore) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewBunStore creates a store over db, which may be a *dbkit.DBKit or a *dbkit.Tx.
func NewBunStore(db dbkit.IDB, opts ...BunStoreOption) *BunStore {
	s := &BunStore{
		db:      db,
		logger:  zap.NewNop(),
		metrics: NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *BunStore) DB() dbkit.IDB {
	return s.db
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

// Transaction runs fn inside a database transaction with automatic commit/rollback.
// Inside an existing transaction a savepoint is used.
func (s *BunStore) Transaction(ctx context.Context, op string, fn func(tx dbkit.IDB) error) error {
	start := time.Now()
	var err error

	switch db := s.db.(type) {
	case *dbkit.Tx:
		err = db.Transaction(ctx, func(tx *dbkit.Tx) error {
			return fn(tx)
		})
	case *dbkit.DBKit:
		err = db.Transaction(ctx, func(tx *dbkit.Tx) error {
			return fn(tx)
		})
	default:
		err = fmt.Errorf("transaction support requires a dbkit.DBKit or dbkit.Tx instance")
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.StoreTxDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	return err
}

// ReadOnlyTransaction runs fn inside a read-only transaction, for consistent multi-table reads.
func (s *BunStore) ReadOnlyTransaction(ctx context.Context, fn func(tx dbkit.IDB) error) error {
	db, ok := s.db.(*dbkit.DBKit)
	if !ok {
		return s.Transaction(ctx, "read_only", fn)
	}
	return db.TransactionWithOptions(ctx, dbkit.ReadOnlyTxOptions(), func(tx *dbkit.Tx) error {
		return fn(tx)
	})
}

// ============================================================================
// ASSIGNMENTS
// ============================================================================

// ListAssignments implements AssignmentStore.
func (s *BunStore) ListAssignments(ctx context.Context, userID string) ([]UserRoleAssignment, error) {
	var out []UserRoleAssignment
	err := dbkit.WithErr1(s.db.NewSelect().Model(&out).
		Where("ura.user_id = ?", userID).
		Order("ura.created_at ASC", "ura.id ASC").
		Scan(ctx), "ListAssignments").Err()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAssignment implements AssignmentStore.
func (s *BunStore) GetAssignment(ctx context.Context, id string) (*UserRoleAssignment, error) {
	a := new(UserRoleAssignment)
	err := dbkit.WithErr1(s.db.NewSelect().Model(a).Where("ura.id = ?", id).Scan(ctx), "GetAssignment").Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return nil, NewError(ErrNotFound, "assignment not found")
		}
		return nil, err
	}
	return a, nil
}

// CreateAssignment implements AssignmentStore.
func (s *BunStore) CreateAssignment(ctx context.Context, a *UserRoleAssignment) error {
	if a.ID == "" {
		a.ID = newRecordID()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	result, err := s.db.NewInsert().Model(a).Exec(ctx)
	return dbkit.WithErr(result, err, "CreateAssignment").Err()
}

// UpdateAssignment implements AssignmentStore.
func (s *BunStore) UpdateAssignment(ctx context.Context, a *UserRoleAssignment) error {
	current := a.Version
	a.Version = current + 1

	result, err := s.db.NewUpdate().Model(a).
		ExcludeColumn("id", "user_id", "created_at").
		WherePK().
		Where("version = ?", current).
		Exec(ctx)
	if err = dbkit.WithErr(result, err, "UpdateAssignment").Err(); err != nil {
		a.Version = current
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		a.Version = current
		return s.missingOrConflict(ctx, (*UserRoleAssignment)(nil), a.ID, "assignment")
	}
	return nil
}

// CountActiveRoleHolders implements AssignmentStore.
func (s *BunStore) CountActiveRoleHolders(ctx context.Context, role string) (int, error) {
	var n int
	err := dbkit.WithErr1(s.db.NewSelect().Model((*UserRoleAssignment)(nil)).
		ColumnExpr("COUNT(DISTINCT ura.user_id)").
		Where("ura.role = ?", role).
		Where("ura.is_active = TRUE").
		Where("ura.approval_status <> ?", ApprovalRejected).
		Scan(ctx, &n), "CountActiveRoleHolders").Err()
	return n, err
}

// ListExpiredAssignments implements AssignmentStore.
func (s *BunStore) ListExpiredAssignments(ctx context.Context, now time.Time) ([]UserRoleAssignment, error) {
	var out []UserRoleAssignment
	err := dbkit.WithErr1(s.db.NewSelect().Model(&out).
		Where("ura.is_active = TRUE").
		Where("ura.valid_until IS NOT NULL AND ura.valid_until <= ?", now).
		Order("ura.created_at ASC", "ura.id ASC").
		Scan(ctx), "ListExpiredAssignments").Err()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// APPLICATIONS
// ============================================================================

// CreateApplication implements ApplicationStore.
func (s *BunStore) CreateApplication(ctx context.Context, app *Application) error {
	return s.Transaction(ctx, "create_application", func(tx dbkit.IDB) error {
		result, err := tx.NewInsert().Model(app).Exec(ctx)
		if err := dbkit.WithErr(result, err, "CreateApplication").Err(); err != nil {
			return err
		}
		if len(app.ApprovalHierarchy) == 0 {
			return nil
		}
		result, err = tx.NewInsert().Model(&app.ApprovalHierarchy).Exec(ctx)
		return dbkit.WithErr(result, err, "CreateApprovalEntries").Err()
	})
}

// GetApplication implements ApplicationStore.
func (s *BunStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	app := new(Application)
	err := dbkit.WithErr1(s.db.NewSelect().Model(app).
		Relation("ApprovalHierarchy", orderEntries).
		Where("app.id = ?", id).
		Scan(ctx), "GetApplication").Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return nil, NewError(ErrNotFound, "application not found").WithApplication(id)
		}
		return nil, err
	}
	return app, nil
}

// FindEntryByRequestID implements ApplicationStore.
func (s *BunStore) FindEntryByRequestID(ctx context.Context, applicationID, requestID string) (*ApprovalEntry, error) {
	entry := new(ApprovalEntry)
	err := dbkit.WithErr1(s.db.NewSelect().Model(entry).
		Where("ae.application_id = ?", applicationID).
		Where("ae.request_id = ?", requestID).
		Limit(1).
		Scan(ctx), "FindEntryByRequestID").Err()
	if err != nil {
		if dbkit.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// CommitTransition implements ApplicationStore. The version-checked update and the
// entry insert share one transaction. A request id already recorded for the
// application wins over a version conflict and yields errDuplicateRequestID.
func (s *BunStore) CommitTransition(ctx context.Context, app *Application, entry *ApprovalEntry) error {
	current := app.Version
	err := s.Transaction(ctx, "commit_transition", func(tx dbkit.IDB) error {
		if dup, err := requestRecorded(ctx, tx, app.ID, entry.RequestID); err != nil || dup {
			if dup {
				return errDuplicateRequestID
			}
			return err
		}

		app.Version = current + 1
		result, err := tx.NewUpdate().Model(app).
			Column("status", "current_level", "sla_status", "updated_at", "version").
			WherePK().
			Where("version = ?", current).
			Exec(ctx)
		if err := dbkit.WithErr(result, err, "CommitTransition").Err(); err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			// A concurrent resend may have committed since the first check
			if dup, _ := requestRecorded(ctx, s.db, app.ID, entry.RequestID); dup {
				return errDuplicateRequestID
			}
			return s.missingOrConflict(ctx, (*Application)(nil), app.ID, "application")
		}

		result, err = tx.NewInsert().Model(entry).Exec(ctx)
		if err != nil && dbkit.IsDuplicate(err) && entry.RequestID != "" {
			return errDuplicateRequestID
		}
		return dbkit.WithErr(result, err, "InsertApprovalEntry").Err()
	})
	if err != nil {
		app.Version = current
	}
	return err
}

func requestRecorded(ctx context.Context, db dbkit.IDB, applicationID, requestID string) (bool, error) {
	if requestID == "" {
		return false, nil
	}
	exists, err := db.NewSelect().Model((*ApprovalEntry)(nil)).
		Where("ae.application_id = ?", applicationID).
		Where("ae.request_id = ?", requestID).
		Exists(ctx)
	return exists, dbkit.WithErr1(err, "FindEntryByRequestID").Err()
}

// ListApplications implements ApplicationStore.
func (s *BunStore) ListApplications(ctx context.Context, filter ApplicationFilter, scope ScopePredicate) ([]Application, error) {
	var apps []Application
	q := s.db.NewSelect().Model(&apps).Relation("ApprovalHierarchy", orderEntries)
	q = scope.Apply(q, ApplicationScopeColumns)

	if filter.Status != "" {
		q = q.Where("app.status = ?", filter.Status)
	}
	if filter.CurrentLevel != "" {
		q = q.Where("app.current_level = ?", filter.CurrentLevel)
	}
	if filter.ProjectID != "" {
		q = q.Where("app.project_id = ?", filter.ProjectID)
	}
	if filter.SchemeID != "" {
		q = q.Where("app.scheme_id = ?", filter.SchemeID)
	}
	if filter.SLAStatus != "" {
		q = q.Where("app.sla_status = ?", filter.SLAStatus)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q = q.Order("app.created_at DESC", "app.id DESC").Limit(limit)
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	if err := dbkit.WithErr1(q.Scan(ctx), "ListApplications").Err(); err != nil {
		return nil, err
	}
	return apps, nil
}

// ListOpenApplications implements ApplicationStore.
func (s *BunStore) ListOpenApplications(ctx context.Context) ([]Application, error) {
	var apps []Application
	err := dbkit.WithErr1(s.db.NewSelect().Model(&apps).
		Relation("ApprovalHierarchy", orderEntries).
		Where("app.status NOT IN (?)", bun.In([]ApplicationStatus{StatusApproved, StatusRejected, StatusCancelled, StatusCompleted})).
		Order("app.created_at ASC").
		Scan(ctx), "ListOpenApplications").Err()
	if err != nil {
		return nil, err
	}
	return apps, nil
}

// UpdateSLAStatus implements ApplicationStore.
func (s *BunStore) UpdateSLAStatus(ctx context.Context, id string, status SLAStatus) error {
	result, err := s.db.NewUpdate().Model((*Application)(nil)).
		Set("sla_status = ?", status).
		Where("id = ?", id).
		Exec(ctx)
	if err := dbkit.WithErr(result, err, "UpdateSLAStatus").Err(); err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NewError(ErrNotFound, "application not found").WithApplication(id)
	}
	return nil
}

func orderEntries(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Order("ae.sequence ASC")
}

// ============================================================================
// AUDIT
// ============================================================================

// WriteAudit implements AuditStore.
func (s *BunStore) WriteAudit(ctx context.Context, rec *AuditRecord) error {
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	result, err := s.db.NewInsert().Model(rec).Exec(ctx)
	return dbkit.WithErr(result, err, "WriteAudit").Err()
}

// ListAudit implements AuditStore.
func (s *BunStore) ListAudit(ctx context.Context, filter AuditLogFilter) ([]AuditRecord, error) {
	var records []AuditRecord
	q := s.db.NewSelect().Model(&records)

	if filter.ActorID != "" {
		q = q.Where("aal.actor_id = ?", filter.ActorID)
	}
	if filter.UserID != "" {
		q = q.Where("aal.user_id = ?", filter.UserID)
	}
	if filter.Event != "" {
		q = q.Where("aal.event = ?", filter.Event)
	}
	if filter.Permission != "" {
		q = q.Where("aal.permission = ?", filter.Permission)
	}
	if filter.ApplicationID != "" {
		q = q.Where("aal.application_id = ?", filter.ApplicationID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("aal.timestamp >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("aal.timestamp <= ?", filter.Until)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q = q.Order("aal.timestamp DESC").Limit(limit)
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	if err := dbkit.WithErr1(q.Scan(ctx), "ListAudit").Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ============================================================================
// LOCATIONS
// ============================================================================

// UpsertLocation creates or updates a node of the regional hierarchy.
func (s *BunStore) UpsertLocation(ctx context.Context, node *LocationNode) error {
	if node.ID == "" || node.ParentID == node.ID {
		return NewError(ErrInvalidInput, "location needs an id different from its parent")
	}
	result, err := s.db.NewInsert().Model(node).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("level = EXCLUDED.level").
		Set("parent_id = EXCLUDED.parent_id").
		Exec(ctx)
	return dbkit.WithErr(result, err, "UpsertLocation").Err()
}

// Descendants implements LocationDirectory with a recursive query.
func (s *BunStore) Descendants(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := dbkit.WithErr1(s.db.NewRaw(`
		WITH RECURSIVE tree AS (
			SELECT id FROM locations WHERE parent_id = ?
			UNION
			SELECT l.id FROM locations l JOIN tree t ON l.parent_id = t.id
		)
		SELECT id FROM tree ORDER BY id`, id).Scan(ctx, &ids), "Descendants").Err()
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Ancestors implements LocationDirectory, nearest first.
func (s *BunStore) Ancestors(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := dbkit.WithErr1(s.db.NewRaw(`
		WITH RECURSIVE chain AS (
			SELECT parent_id, 1 AS depth FROM locations WHERE id = ?
			UNION ALL
			SELECT l.parent_id, c.depth + 1 FROM locations l JOIN chain c ON l.id = c.parent_id
			WHERE c.depth < 16
		)
		SELECT parent_id FROM chain WHERE parent_id IS NOT NULL ORDER BY depth`, id).Scan(ctx, &ids), "Ancestors").Err()
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ============================================================================
// INTERNAL HELPERS
// ============================================================================

// missingOrConflict explains a versioned update that touched no row.
func (s *BunStore) missingOrConflict(ctx context.Context, model any, id, kind string) error {
	exists, err := s.db.NewSelect().Model(model).Where("id = ?", id).Exists(ctx)
	if err != nil {
		return dbkit.WithErr1(err, "CheckExists").Err()
	}
	if !exists {
		return NewError(ErrNotFound, kind+" not found")
	}
	s.logger.Debug("versioned update lost a race", zap.String("kind", kind), zap.String("id", id))
	return NewError(ErrConcurrentModification, kind+" was changed by someone else")
}
