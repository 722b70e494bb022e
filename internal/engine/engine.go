package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"smartop/internal/config"
	"smartop/internal/domain"
	"smartop/internal/engine/auth"
	"smartop/internal/events"
	"smartop/internal/logger"
	"smartop/internal/metrics"
	"smartop/internal/notify"
	"smartop/internal/repo"
)

// Repository loads and stores control lists with optimistic concurrency.
type Repository interface {
	Load(ctx context.Context, id, companyID string) (domain.ControlList, error)
	Insert(ctx context.Context, cl *domain.ControlList) error
	Save(ctx context.Context, cl *domain.ControlList) (int, error)
	Delete(ctx context.Context, id, companyID string, version int) error
	GetTemplate(ctx context.Context, id, companyID string) (domain.Template, error)
	GetMachine(ctx context.Context, id, companyID string) (domain.Machine, error)
	GetUser(ctx context.Context, id, companyID string) (domain.User, error)
}

// Gate answers capability checks.
type Gate interface {
	HasCapability(ctx context.Context, userID string, capability auth.Capability, companyID string) (bool, error)
}

// Dispatcher receives events after the change they describe is committed.
type Dispatcher interface {
	Publish(ctx context.Context, evt domain.Event)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Lists      Repository
	Gate       Gate
	Dispatcher Dispatcher
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Now        func() time.Time
}

// New wires the SQLite repository and RBAC gate. Events go to the outbox
// until the caller installs another dispatcher.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Lists:      r,
		Gate:       auth.Service{DB: db},
		Dispatcher: notify.Fanout{Sinks: []notify.Sink{events.Writer{Repo: r}}},
		Config:     cfg,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger { return logger.OrNop(e.Logger) }

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer("smartop/engine")
}

// Authorize fails with an AuthorizationError unless userID holds capability
// in companyID.
func (e Engine) Authorize(ctx context.Context, userID string, capability auth.Capability, companyID string) error {
	ok, err := e.hasCapability(ctx, userID, capability, companyID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.AuthorizationError{UserID: userID, Capability: string(capability)}
	}
	return nil
}

var errNoGate = errors.New("authorization gate not configured")

func (e Engine) hasCapability(ctx context.Context, userID string, capability auth.Capability, companyID string) (bool, error) {
	if e.Gate == nil {
		return false, errNoGate
	}
	return e.Gate.HasCapability(ctx, userID, capability, companyID)
}

func (e Engine) startSpan(ctx context.Context, op, id, companyID string) (context.Context, trace.Span, time.Time) {
	ctx, span := e.tracer().Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.String("control_list.id", id),
		attribute.String("company.id", companyID),
	))
	return ctx, span, time.Now()
}

func (e Engine) endSpan(span trace.Span, op string, err error, start time.Time) {
	e.Metrics.ObserveOperation(op, err, time.Since(start))
	if err != nil {
		if domain.IsConflict(err) {
			e.Metrics.IncConflict(op)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e Engine) publish(ctx context.Context, evt domain.Event) {
	if e.Dispatcher == nil {
		return
	}
	e.Dispatcher.Publish(ctx, evt)
}

// step describes one load-authorize-apply-save cycle on an existing list.
type step struct {
	op        string
	id        string
	companyID string
	callerID  string
	authorize func(ctx context.Context, cl domain.ControlList) error
	apply     func(cl *domain.ControlList, now time.Time) error
	events    func(from domain.Status, cl domain.ControlList) []string
	extra     map[string]any
}

func (e Engine) run(ctx context.Context, s step) (cl domain.ControlList, err error) {
	ctx, span, start := e.startSpan(ctx, s.op, s.id, s.companyID)
	defer func() { e.endSpan(span, s.op, err, start) }()

	cl, err = e.Lists.Load(ctx, s.id, s.companyID)
	if err != nil {
		return domain.ControlList{}, err
	}
	if err := s.authorize(ctx, cl); err != nil {
		return domain.ControlList{}, err
	}
	from := cl.Status
	now := e.now()
	if err := s.apply(&cl, now); err != nil {
		return domain.ControlList{}, err
	}
	if _, err := e.Lists.Save(ctx, &cl); err != nil {
		return domain.ControlList{}, err
	}
	e.Metrics.IncTransition(string(from), string(cl.Status))
	e.log().Info("control list updated",
		zap.String("operation", s.op),
		zap.String("control_list_id", cl.ID),
		zap.String("company_id", cl.CompanyID),
		zap.String("actor_id", s.callerID),
		zap.String("from", string(from)),
		zap.String("to", string(cl.Status)),
		zap.Int("version", cl.Version),
	)
	for _, t := range s.events(from, cl) {
		e.publish(ctx, domain.NewEvent(t, cl, s.callerID, now, transitionPayload(from, cl.Status, s.extra)))
	}
	return cl, nil
}

func transitionPayload(from, to domain.Status, extra map[string]any) map[string]any {
	out := map[string]any{"from_status": string(from), "to_status": string(to)}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func single(t string) func(domain.Status, domain.ControlList) []string {
	return func(domain.Status, domain.ControlList) []string { return []string{t} }
}

func (e Engine) requireCapability(callerID string, capability auth.Capability) func(context.Context, domain.ControlList) error {
	return func(ctx context.Context, cl domain.ControlList) error {
		return e.Authorize(ctx, callerID, capability, cl.CompanyID)
	}
}

// requireOperator admits only the assigned operator holding the update
// capability.
func (e Engine) requireOperator(callerID string) func(context.Context, domain.ControlList) error {
	return func(ctx context.Context, cl domain.ControlList) error {
		if callerID == "" || callerID != cl.AssignedUserID {
			return domain.AuthorizationError{UserID: callerID, Capability: string(auth.CapUpdate)}
		}
		return e.Authorize(ctx, callerID, auth.CapUpdate, cl.CompanyID)
	}
}

// CreateOptions are parameters for creating a control list.
type CreateOptions struct {
	ID             string
	CompanyID      string
	CallerID       string
	MachineID      string
	TemplateID     string
	AssignedUserID string
	Title          string
	Description    string
	Items          []domain.ChecklistItem
	Priority       domain.Priority
	ScheduledAt    time.Time
	Notes          string
	Draft          bool
}

func (e Engine) CreateControlList(ctx context.Context, opts CreateOptions) (cl domain.ControlList, err error) {
	ctx, span, start := e.startSpan(ctx, "create", opts.ID, opts.CompanyID)
	defer func() { e.endSpan(span, "create", err, start) }()

	if err := e.Authorize(ctx, opts.CallerID, auth.CapCreate, opts.CompanyID); err != nil {
		return domain.ControlList{}, err
	}
	if opts.Draft && e.Config != nil && !e.Config.Workflow.AllowDrafts {
		return domain.ControlList{}, domain.ValidationError{Field: "draft", Reason: "drafts are disabled"}
	}
	if err := e.checkScope(ctx, opts.CompanyID, opts.MachineID, opts.AssignedUserID); err != nil {
		return domain.ControlList{}, err
	}
	var templateID *string
	if opts.TemplateID != "" {
		if _, err := e.Lists.GetTemplate(ctx, opts.TemplateID, opts.CompanyID); err != nil {
			return domain.ControlList{}, err
		}
		templateID = &opts.TemplateID
	}
	now := e.now()
	cl, err = domain.NewControlList(domain.NewControlListParams{
		ID:             opts.ID,
		CompanyID:      opts.CompanyID,
		MachineID:      opts.MachineID,
		TemplateID:     templateID,
		AssignedUserID: opts.AssignedUserID,
		CreatedBy:      opts.CallerID,
		Title:          opts.Title,
		Description:    opts.Description,
		Items:          opts.Items,
		Priority:       e.priority(opts.Priority),
		ScheduledAt:    opts.ScheduledAt,
		Notes:          opts.Notes,
		Draft:          opts.Draft,
	}, now)
	if err != nil {
		return domain.ControlList{}, err
	}
	return e.insert(ctx, cl, opts.CallerID, now)
}

// FromTemplateOptions are parameters for instantiating a template.
type FromTemplateOptions struct {
	CompanyID   string
	CallerID    string
	TemplateID  string
	MachineID   string
	OperatorID  string
	ScheduledAt time.Time
}

func (e Engine) CreateFromTemplate(ctx context.Context, opts FromTemplateOptions) (cl domain.ControlList, err error) {
	ctx, span, start := e.startSpan(ctx, "create_from_template", "", opts.CompanyID)
	defer func() { e.endSpan(span, "create_from_template", err, start) }()

	if err := e.Authorize(ctx, opts.CallerID, auth.CapCreate, opts.CompanyID); err != nil {
		return domain.ControlList{}, err
	}
	t, err := e.Lists.GetTemplate(ctx, opts.TemplateID, opts.CompanyID)
	if err != nil {
		return domain.ControlList{}, err
	}
	m, err := e.Lists.GetMachine(ctx, opts.MachineID, opts.CompanyID)
	if err != nil {
		return domain.ControlList{}, err
	}
	if _, err := e.Lists.GetUser(ctx, opts.OperatorID, opts.CompanyID); err != nil {
		return domain.ControlList{}, err
	}
	if t.Priority == "" {
		t.Priority = e.priority("")
	}
	now := e.now()
	cl, err = domain.FromTemplate(t, m, opts.OperatorID, opts.CallerID, opts.ScheduledAt, now)
	if err != nil {
		return domain.ControlList{}, err
	}
	return e.insert(ctx, cl, opts.CallerID, now)
}

func (e Engine) insert(ctx context.Context, cl domain.ControlList, callerID string, now time.Time) (domain.ControlList, error) {
	if err := e.Lists.Insert(ctx, &cl); err != nil {
		return domain.ControlList{}, err
	}
	e.Metrics.IncTransition("", string(cl.Status))
	e.log().Info("control list created",
		zap.String("control_list_id", cl.ID),
		zap.String("company_id", cl.CompanyID),
		zap.String("actor_id", callerID),
		zap.String("status", string(cl.Status)),
	)
	e.publish(ctx, domain.NewEvent(domain.EventCreated, cl, callerID, now, transitionPayload("", cl.Status, nil)))
	return cl, nil
}

func (e Engine) checkScope(ctx context.Context, companyID, machineID, userID string) error {
	if strings.TrimSpace(machineID) != "" {
		if _, err := e.Lists.GetMachine(ctx, machineID, companyID); err != nil {
			return err
		}
	}
	if strings.TrimSpace(userID) != "" {
		if _, err := e.Lists.GetUser(ctx, userID, companyID); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) priority(p domain.Priority) domain.Priority {
	if p != "" {
		return p
	}
	if e.Config != nil && e.Config.Workflow.DefaultPriority != "" {
		return domain.Priority(e.Config.Workflow.DefaultPriority)
	}
	return domain.PriorityMedium
}

// SubmitOptions carries a full item submission from the assigned operator.
type SubmitOptions struct {
	ID        string
	CompanyID string
	CallerID  string
	Items     []domain.ChecklistItem
}

func submittedEvents(from domain.Status, cl domain.ControlList) []string {
	evts := []string{domain.EventItemsSubmitted}
	if from != domain.StatusInProgress && from != domain.StatusCompleted && cl.Status != from {
		evts = append(evts, domain.EventStarted)
	}
	if cl.Status == domain.StatusCompleted && from != domain.StatusCompleted {
		evts = append(evts, domain.EventCompleted)
	}
	return evts
}

func (e Engine) SubmitItems(ctx context.Context, opts SubmitOptions) (domain.ControlList, error) {
	return e.run(ctx, step{
		op:        "submit_items",
		id:        opts.ID,
		companyID: opts.CompanyID,
		callerID:  opts.CallerID,
		authorize: e.requireOperator(opts.CallerID),
		apply: func(cl *domain.ControlList, now time.Time) error {
			return cl.ApplyItems(opts.Items, now)
		},
		events: submittedEvents,
	})
}

// ItemUpdateOptions patches one item of a list.
type ItemUpdateOptions struct {
	ID        string
	CompanyID string
	CallerID  string
	Patch     domain.ItemPatch
}

func (e Engine) UpdateItem(ctx context.Context, opts ItemUpdateOptions) (domain.ControlList, error) {
	return e.run(ctx, step{
		op:        "update_item",
		id:        opts.ID,
		companyID: opts.CompanyID,
		callerID:  opts.CallerID,
		authorize: e.requireOperator(opts.CallerID),
		apply: func(cl *domain.ControlList, now time.Time) error {
			return cl.UpdateItem(opts.Patch, now)
		},
		events: submittedEvents,
		extra:  map[string]any{"item_order": opts.Patch.Order},
	})
}

// Start marks a pending list as being worked on by its operator.
func (e Engine) Start(ctx context.Context, id, companyID, callerID string) (domain.ControlList, error) {
	return e.run(ctx, step{
		op:        "start",
		id:        id,
		companyID: companyID,
		callerID:  callerID,
		authorize: e.requireOperator(callerID),
		apply:     (*domain.ControlList).Start,
		events:    single(domain.EventStarted),
	})
}

// Publish releases a draft to its operator.
func (e Engine) Publish(ctx context.Context, id, companyID, callerID string) (domain.ControlList, error) {
	return e.run(ctx, step{
		op:        "publish",
		id:        id,
		companyID: companyID,
		callerID:  callerID,
		authorize: e.requireCapability(callerID, auth.CapCreate),
		apply:     (*domain.ControlList).Publish,
		events:    single(domain.EventPublished),
	})
}

func (e Engine) Approve(ctx context.Context, id, companyID, approverID, notes string) (domain.ControlList, error) {
	return e.run(ctx, step{
		op:        "approve",
		id:        id,
		companyID: companyID,
		callerID:  approverID,
		authorize: e.requireCapability(approverID, auth.CapApprove),
		apply: func(cl *domain.ControlList, now time.Time) error {
			return cl.Approve(approverID, notes, now)
		},
		events: single(domain.EventApproved),
		extra:  map[string]any{"notes": strings.TrimSpace(notes)},
	})
}

func (e Engine) Reject(ctx context.Context, id, companyID, approverID, reason string) (domain.ControlList, error) {
	return e.run(ctx, step{
		op:        "reject",
		id:        id,
		companyID: companyID,
		callerID:  approverID,
		authorize: e.requireCapability(approverID, auth.CapReject),
		apply: func(cl *domain.ControlList, now time.Time) error {
			return cl.Reject(approverID, reason, now)
		},
		events: single(domain.EventRejected),
		extra:  map[string]any{"reason": strings.TrimSpace(reason)},
	})
}

func (e Engine) Revert(ctx context.Context, id, companyID, callerID string) (domain.ControlList, error) {
	return e.run(ctx, step{
		op:        "revert",
		id:        id,
		companyID: companyID,
		callerID:  callerID,
		authorize: e.requireCapability(callerID, auth.CapRevert),
		apply: func(cl *domain.ControlList, now time.Time) error {
			return cl.Revert(callerID, now)
		},
		events: single(domain.EventReverted),
	})
}

// Delete removes an undecided list. Holders of the delete capability may
// remove any of them; the assigned operator only a list not yet started.
func (e Engine) Delete(ctx context.Context, id, companyID, callerID string) (err error) {
	ctx, span, start := e.startSpan(ctx, "delete", id, companyID)
	defer func() { e.endSpan(span, "delete", err, start) }()

	cl, err := e.Lists.Load(ctx, id, companyID)
	if err != nil {
		return err
	}
	isAdmin, err := e.hasCapability(ctx, callerID, auth.CapDelete, companyID)
	if err != nil {
		return err
	}
	if !isAdmin {
		if callerID != cl.AssignedUserID {
			return domain.AuthorizationError{UserID: callerID, Capability: string(auth.CapDelete)}
		}
		if err := e.Authorize(ctx, callerID, auth.CapUpdate, companyID); err != nil {
			return err
		}
	}
	if err := cl.CanDelete(callerID, isAdmin); err != nil {
		return err
	}
	if err := e.Lists.Delete(ctx, cl.ID, cl.CompanyID, cl.Version); err != nil {
		return err
	}
	now := e.now()
	e.log().Info("control list deleted",
		zap.String("control_list_id", cl.ID),
		zap.String("company_id", cl.CompanyID),
		zap.String("actor_id", callerID),
	)
	e.publish(ctx, domain.NewEvent(domain.EventDeleted, cl, callerID, now, transitionPayload(cl.Status, "", nil)))
	return nil
}

// Get returns a list of companyID.
func (e Engine) Get(ctx context.Context, id, companyID string) (domain.ControlList, error) {
	return e.Lists.Load(ctx, id, companyID)
}

func (e Engine) GetCompletionPercentage(ctx context.Context, id, companyID string) (int, error) {
	cl, err := e.Lists.Load(ctx, id, companyID)
	if err != nil {
		return 0, err
	}
	return cl.CompletionPercentage(), nil
}

func (e Engine) IsOverdue(ctx context.Context, id, companyID string) (bool, error) {
	cl, err := e.Lists.Load(ctx, id, companyID)
	if err != nil {
		return false, err
	}
	return cl.IsOverdue(e.now()), nil
}

// Progress summarizes a list for dashboards.
type Progress struct {
	ID                   string        `json:"id"`
	Status               domain.Status `json:"status"`
	CompletionPercentage int           `json:"completion_percentage"`
	Overdue              bool          `json:"overdue"`
	Version              int           `json:"version"`
}

func (e Engine) Progress(ctx context.Context, id, companyID string) (Progress, error) {
	cl, err := e.Lists.Load(ctx, id, companyID)
	if err != nil {
		return Progress{}, err
	}
	return Progress{
		ID:                   cl.ID,
		Status:               cl.Status,
		CompletionPercentage: cl.CompletionPercentage(),
		Overdue:              cl.IsOverdue(e.now()),
		Version:              cl.Version,
	}, nil
}

// List returns the lists of a company matching f.
func (e Engine) List(ctx context.Context, f repo.ListFilter) ([]domain.ControlList, error) {
	if f.Now.IsZero() {
		f.Now = e.now()
	}
	return e.Repo.List(ctx, f)
}

func (e Engine) Stats(ctx context.Context, companyID string) (map[string]int, error) {
	return e.Repo.CountByStatus(ctx, companyID)
}
