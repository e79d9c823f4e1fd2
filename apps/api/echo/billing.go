package echoapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

type billingApi struct {
	svc      billing.ServiceInterface
	validate *validator.Validate
}

func registerBillingAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc billing.ServiceInterface,
	validate *validator.Validate,
	audience string,
) {
	api := billingApi{
		svc:      svc,
		validate: validate,
	}

	bg := g.Group("/billing", jwt, audienceMiddleware(audience), adminMiddleware())

	// reads
	bg.GET("/records", api.query)
	bg.GET("/records/:id", api.retrieve)
	bg.GET("/stats", api.stats)
	bg.GET("/export", api.export)

	// writes
	writer := adminMiddleware(billingWriters...)
	bg.POST("/setup-fees", api.createSetupFees, writer)
	bg.POST("/subscription-fees", api.createSubscriptionFees, writer)
	bg.POST("/records", api.create, writer)
	bg.PATCH("/records/:id", api.amend, writer)
	bg.POST("/records/:id/status", api.transition, writer)
	bg.POST("/sweep-overdue", api.sweepOverdue, writer)
}

// Handlers

func (api *billingApi) createSetupFees(ctx echo.Context) error {
	var data billing.NewSetupFees
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSetupFees")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.CreateSetupFees(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating setup fees")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *billingApi) createSubscriptionFees(ctx echo.Context) error {
	var data billing.NewSubscriptionFees
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSubscriptionFees")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.CreateSubscriptionFees(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating subscription fees")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *billingApi) create(ctx echo.Context) error {
	var data billing.NewRecord
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewRecord")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	rec, err := api.svc.CreateRecord(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating billing record")
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api *billingApi) query(ctx echo.Context) error {
	filter, err := bindQueryFilter(ctx)
	if err != nil {
		return err
	}
	page, err := bindPagination(ctx)
	if err != nil {
		return err
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	res, err := api.svc.ListRecords(ctx.Request().Context(), filter, ordering.Orderings, page)
	if err != nil {
		return errors.Wrap(err, "querying billing records")
	}
	if res.Records == nil {
		res.Records = []billing.Record{}
	}
	ctx.Response().Header().Set("X-Total-Count", strconv.Itoa(res.Total))
	return ctx.JSON(http.StatusOK, res)
}

func (api *billingApi) retrieve(ctx echo.Context) error {
	rec, err := api.svc.GetRecord(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding billing record")
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *billingApi) amend(ctx echo.Context) error {
	var data billing.AmendRecord
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AmendRecord")
	}

	rec, err := api.svc.Amend(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "amending billing record")
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *billingApi) transition(ctx echo.Context) error {
	var req StatusRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.Wrap(err, "binding to StatusRequest")
	}
	data, err := req.statusChange()
	if err != nil {
		return err
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	rec, err := api.svc.TransitionStatus(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "changing billing record status")
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *billingApi) sweepOverdue(ctx echo.Context) error {
	var data SweepRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SweepRequest")
	}
	asOf := time.Now()
	if data.AsOf != nil {
		asOf = *data.AsOf
	}

	res, err := api.svc.SweepOverdue(ctx.Request().Context(), asOf)
	if err != nil {
		return errors.Wrap(err, "sweeping overdue records")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *billingApi) stats(ctx echo.Context) error {
	filter, err := bindQueryFilter(ctx)
	if err != nil {
		return err
	}

	stats, err := api.svc.GetStats(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "computing billing stats")
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (api *billingApi) export(ctx echo.Context) error {
	filter, err := bindQueryFilter(ctx)
	if err != nil {
		return err
	}
	format := billing.ExportFormat(ctx.QueryParam("format"))

	art, err := api.svc.Export(ctx.Request().Context(), filter, format)
	if err != nil {
		return errors.Wrap(err, "exporting billing records")
	}
	ctx.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+art.Filename+`"`)
	return ctx.Blob(http.StatusOK, art.ContentType, art.Content)
}

// StatusRequest is the body of a status change; paid_date takes an RFC 3339 timestamp or a plain date.
type StatusRequest struct {
	Status        billing.Status `json:"status"`
	PaymentMethod string         `json:"payment_method"`
	PaidDate      string         `json:"paid_date"`
}

func (r StatusRequest) statusChange() (billing.StatusChange, error) {
	change := billing.StatusChange{Status: r.Status, PaymentMethod: r.PaymentMethod}
	if val := strings.TrimSpace(r.PaidDate); val != "" {
		paid, err := parseTime(val)
		if err != nil {
			return billing.StatusChange{}, core.NewValidationError(err, core.FieldError{Field: "paid_date", Error: "must be an RFC 3339 timestamp or a YYYY-MM-DD date"})
		}
		change.PaidDate = &paid
	}
	return change, nil
}

type SweepRequest struct {
	AsOf *time.Time `json:"as_of"`
}
