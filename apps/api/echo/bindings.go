package echoapi

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

var (
	orderingParam   = "ordering"
	defaultPageSize = 50
)

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		if field == "" {
			continue
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

// multiValues accepts both repeated (?status=a&status=b) and comma separated (?status=a,b) params.
func multiValues(ctx echo.Context, name string) []string {
	var vals []string
	for _, v := range ctx.QueryParams()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				vals = append(vals, part)
			}
		}
	}
	return vals
}

// parseTime accepts RFC 3339 timestamps or plain dates (UTC midnight).
func parseTime(val string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", val)
}

// bindQueryFilter builds a billing.QueryFilter from the request query params.
func bindQueryFilter(ctx echo.Context) (*billing.QueryFilter, error) {
	filter := &billing.QueryFilter{
		SchoolIDs: multiValues(ctx, "school_id"),
		Search:    core.CleanString(ctx.QueryParam("search")),
	}
	var flds []core.FieldError

	for _, s := range multiValues(ctx, "status") {
		st := billing.Status(strings.ToLower(s))
		if !st.Valid() {
			flds = append(flds, core.FieldError{Field: "status", Error: "unknown status " + strconv.Quote(s)})
			continue
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, s := range multiValues(ctx, "billing_type") {
		t := billing.Type(strings.ToLower(s))
		if !t.Valid() {
			flds = append(flds, core.FieldError{Field: "billing_type", Error: "unknown billing type " + strconv.Quote(s)})
			continue
		}
		filter.Types = append(filter.Types, t)
	}

	dates := []struct {
		param string
		dst   *time.Time
	}{
		{"due_from", &filter.DueFrom},
		{"due_to", &filter.DueTo},
		{"created_from", &filter.CreatedFrom},
		{"created_to", &filter.CreatedTo},
	}
	for _, d := range dates {
		val := ctx.QueryParam(d.param)
		if val == "" {
			continue
		}
		t, err := parseTime(val)
		if err != nil {
			flds = append(flds, core.FieldError{Field: d.param, Error: "must be a date (YYYY-MM-DD) or an RFC 3339 timestamp"})
			continue
		}
		*d.dst = t
	}

	if flds != nil {
		return nil, core.NewValidationError(nil, flds...)
	}
	return filter, nil
}

func bindPagination(ctx echo.Context) (billing.Pagination, error) {
	page := billing.Pagination{Page: 1, PageSize: defaultPageSize}
	var flds []core.FieldError

	if val := ctx.QueryParam("page"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			flds = append(flds, core.FieldError{Field: "page", Error: "must be a positive integer"})
		}
		page.Page = n
	}
	if val := ctx.QueryParam("page_size"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > billing.MaxPageSize {
			flds = append(flds, core.FieldError{Field: "page_size", Error: "must be between 1 and " + strconv.Itoa(billing.MaxPageSize)})
		}
		page.PageSize = n
	}

	if flds != nil {
		return page, core.NewValidationError(nil, flds...)
	}
	return page, nil
}
