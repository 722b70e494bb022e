package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"smartop/internal/domain"
	"smartop/internal/engine"
	"smartop/internal/engine/auth"
	"smartop/internal/repo"
	"smartop/internal/retry"
)

// listPath is used bare as an input. Inputs with a body declare ID
// themselves since huma does not bind fields of unexported embedded structs.
type listPath struct {
	ID string `path:"id"`
}

type listOutput struct {
	Body domain.ControlList
}

// requireView authenticates the caller and checks the view capability in the
// caller's own company.
func requireView(ctx context.Context, e engine.Engine) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := e.Authorize(ctx, p.UserID, auth.CapView, p.CompanyID); err != nil {
		return Principal{}, handleError(err)
	}
	return p, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string
	}, error) {
		return &struct {
			Body map[string]string
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerControlLists(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-control-list",
		Method:        http.MethodPost,
		Path:          "/control-lists",
		Summary:       "Create a control list",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateControlListRequest
	}) (*listOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		cl, err := e.CreateControlList(ctx, engine.CreateOptions{
			ID:             b.ID,
			CompanyID:      p.CompanyID,
			CallerID:       p.UserID,
			MachineID:      b.MachineID,
			TemplateID:     b.TemplateID,
			AssignedUserID: b.AssignedUserID,
			Title:          b.Title,
			Description:    b.Description,
			Items:          toItems(b.Items),
			Priority:       domain.Priority(b.Priority),
			ScheduledAt:    b.ScheduledAt,
			Notes:          b.Notes,
			Draft:          b.Draft,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &listOutput{Body: cl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-control-list-from-template",
		Method:        http.MethodPost,
		Path:          "/control-lists/from-template",
		Summary:       "Create a control list from a template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body FromTemplateRequest
	}) (*listOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := e.CreateFromTemplate(ctx, engine.FromTemplateOptions{
			CompanyID:   p.CompanyID,
			CallerID:    p.UserID,
			TemplateID:  input.Body.TemplateID,
			MachineID:   input.Body.MachineID,
			OperatorID:  input.Body.OperatorID,
			ScheduledAt: input.Body.ScheduledAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &listOutput{Body: cl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-items",
		Method:      http.MethodPut,
		Path:        "/control-lists/{id}/items",
		Summary:     "Submit item outcomes",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body SubmitItemsRequest
	}) (*listOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := e.SubmitItems(ctx, engine.SubmitOptions{
			ID:        input.ID,
			CompanyID: p.CompanyID,
			CallerID:  p.UserID,
			Items:     toItems(input.Body.Items),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &listOutput{Body: cl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/control-lists/{id}/items/{order}",
		Summary:     "Update a single item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Order int    `path:"order" minimum:"1"`
		Body  ItemPatchRequest
	}) (*listOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := e.UpdateItem(ctx, engine.ItemUpdateOptions{
			ID:        input.ID,
			CompanyID: p.CompanyID,
			CallerID:  p.UserID,
			Patch: domain.ItemPatch{
				Order:    input.Order,
				Status:   domain.ItemStatus(input.Body.Status),
				Value:    input.Body.Value,
				ValueSet: input.Body.valueSet,
				Notes:    input.Body.Notes,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &listOutput{Body: cl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-control-list",
		Method:        http.MethodDelete,
		Path:          "/control-lists/{id}",
		Summary:       "Delete a control list",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *listPath) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, input.ID, p.CompanyID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

// registerTransitions exposes the status changes. Review decisions retry on
// version conflicts, reloading the list each time.
func registerTransitions(api huma.API, e engine.Engine) {
	for _, tr := range []struct {
		name    string
		summary string
		op      func(ctx context.Context, id, companyID, callerID string) (domain.ControlList, error)
	}{
		{"start", "Start working on a control list", e.Start},
		{"publish", "Publish a draft control list", e.Publish},
	} {
		op := tr.op
		huma.Register(api, huma.Operation{
			OperationID: tr.name + "-control-list",
			Method:      http.MethodPost,
			Path:        "/control-lists/{id}/" + tr.name,
			Summary:     tr.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *listPath) (*listOutput, error) {
			p, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			cl, err := op(ctx, input.ID, p.CompanyID, p.UserID)
			if err != nil {
				return nil, handleError(err)
			}
			return &listOutput{Body: cl}, nil
		})
	}

	attempts := e.Config.RetryAttempts()

	huma.Register(api, huma.Operation{
		OperationID: "approve-control-list",
		Method:      http.MethodPost,
		Path:        "/control-lists/{id}/approve",
		Summary:     "Approve a completed control list",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *ApproveRequest `required:"false"`
	}) (*listOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var notes string
		if input.Body != nil {
			notes = input.Body.Notes
		}
		cl, err := retry.OnConflict(ctx, attempts, func(ctx context.Context) (domain.ControlList, error) {
			return e.Approve(ctx, input.ID, p.CompanyID, p.UserID, notes)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &listOutput{Body: cl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-control-list",
		Method:      http.MethodPost,
		Path:        "/control-lists/{id}/reject",
		Summary:     "Reject a completed control list",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RejectRequest
	}) (*listOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := retry.OnConflict(ctx, attempts, func(ctx context.Context) (domain.ControlList, error) {
			return e.Reject(ctx, input.ID, p.CompanyID, p.UserID, input.Body.Reason)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &listOutput{Body: cl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-control-list",
		Method:      http.MethodPost,
		Path:        "/control-lists/{id}/revert",
		Summary:     "Undo an approval or rejection",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *listPath) (*listOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := retry.OnConflict(ctx, attempts, func(ctx context.Context) (domain.ControlList, error) {
			return e.Revert(ctx, input.ID, p.CompanyID, p.UserID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &listOutput{Body: cl}, nil
	})
}

func registerControlListReads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-control-lists",
		Method:      http.MethodGet,
		Path:        "/control-lists",
		Summary:     "List control lists, most urgent first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status         string `query:"status" enum:"draft,pending,in_progress,completed,approved,rejected"`
		Priority       string `query:"priority" enum:"low,medium,high,critical"`
		MachineID      string `query:"machine_id"`
		AssignedUserID string `query:"assigned_user_id"`
		Overdue        bool   `query:"overdue"`
		Today          bool   `query:"today"`
		Search         string `query:"q"`
		Limit          int    `query:"limit" default:"50"`
		Offset         int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body ControlListsResponse
	}, error) {
		p, err := requireView(ctx, e)
		if err != nil {
			return nil, err
		}
		items, lerr := e.List(ctx, repo.ListFilter{
			CompanyID:      p.CompanyID,
			Status:         input.Status,
			Priority:       input.Priority,
			MachineID:      input.MachineID,
			AssignedUserID: input.AssignedUserID,
			Overdue:        input.Overdue,
			Today:          input.Today,
			Search:         input.Search,
			Limit:          normalizeLimit(input.Limit),
			Offset:         input.Offset,
		})
		if lerr != nil {
			return nil, handleError(lerr)
		}
		return &struct {
			Body ControlListsResponse
		}{Body: ControlListsResponse{Items: nonNilLists(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-control-list",
		Method:      http.MethodGet,
		Path:        "/control-lists/{id}",
		Summary:     "Get a control list",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *listPath) (*listOutput, error) {
		p, err := requireView(ctx, e)
		if err != nil {
			return nil, err
		}
		cl, gerr := e.Get(ctx, input.ID, p.CompanyID)
		if gerr != nil {
			return nil, handleError(gerr)
		}
		return &listOutput{Body: cl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-control-list-progress",
		Method:      http.MethodGet,
		Path:        "/control-lists/{id}/progress",
		Summary:     "Completion percentage and overdue flag",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *listPath) (*struct {
		Body engine.Progress
	}, error) {
		p, err := requireView(ctx, e)
		if err != nil {
			return nil, err
		}
		progress, perr := e.Progress(ctx, input.ID, p.CompanyID)
		if perr != nil {
			return nil, handleError(perr)
		}
		return &struct {
			Body engine.Progress
		}{Body: progress}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-control-list-reviews",
		Method:      http.MethodGet,
		Path:        "/control-lists/{id}/reviews",
		Summary:     "Approval history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *listPath) (*struct {
		Body ReviewsResponse
	}, error) {
		p, err := requireView(ctx, e)
		if err != nil {
			return nil, err
		}
		reviews, rerr := e.Repo.ListReviews(ctx, input.ID, p.CompanyID)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		if reviews == nil {
			reviews = []domain.Review{}
		}
		return &struct {
			Body ReviewsResponse
		}{Body: ReviewsResponse{Items: reviews}}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Control list counts by status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse
	}, error) {
		p, err := requireView(ctx, e)
		if err != nil {
			return nil, err
		}
		counts, serr := e.Stats(ctx, p.CompanyID)
		if serr != nil {
			return nil, handleError(serr)
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		return &struct {
			Body StatsResponse
		}{Body: StatsResponse{CompanyID: p.CompanyID, Counts: counts, Total: total}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type          string `query:"type"`
		ControlListID string `query:"control_list_id"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents
	}, error) {
		p, err := requireView(ctx, e)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, perr := strconv.ParseInt(input.Cursor, 10, 64)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, qerr := e.Repo.LatestEventsBefore(ctx, limit+1, cursorID, p.CompanyID, input.Type, input.ControlListID)
		if qerr != nil {
			return nil, handleError(qerr)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		caps, err := auth.Service{DB: e.DB}.UserCapabilities(ctx, p.UserID, p.CompanyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse
		}{Body: WhoAmIResponse{
			UserID:       p.UserID,
			CompanyID:    p.CompanyID,
			Roles:        nonNilSlice(p.Roles),
			Capabilities: nonNilSlice(caps),
			Source:       p.Source,
		}}, nil
	})
}
