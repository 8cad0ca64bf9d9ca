package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/macro-dashboard/internal/indicators"
)

var validate = validator.New()

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the handlers' collaborators.
type Services struct {
	Query *indicators.QueryService
	Jobs  *indicators.RefreshJobs
	Store Pinger
	// WaitTimeout bounds a synchronous (wait=true) refresh request.
	WaitTimeout time.Duration
	Version     string
}

// ErrorHandler renders every error as {"error": true, "message": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, svc Services) {
	if svc.WaitTimeout <= 0 {
		svc.WaitTimeout = 5 * time.Minute
	}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Macro Dashboard API",
			"version": svc.Version,
			"status":  "running",
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		if svc.Store != nil {
			if err := svc.Store.Ping(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status":   "unhealthy",
					"database": "disconnected",
					"error":    err.Error(),
				})
			}
		}
		series, err := svc.Query.ListSeries(ctx, "", "")
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":   "unhealthy",
				"database": "disconnected",
				"error":    err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status":           "healthy",
			"database":         "connected",
			"total_indicators": len(series),
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	api.Get("/indicators", func(c *fiber.Ctx) error {
		var source indicators.Source
		if s := c.Query("source"); s != "" {
			src, err := indicators.ParseSource(s)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			source = src
		}

		series, err := svc.Query.ListSeries(c.UserContext(), c.Query("category"), source)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(series)
	})

	api.Get("/indicators/:id", func(c *fiber.Ctx) error {
		id, err := seriesID(c)
		if err != nil {
			return err
		}
		meta, err := svc.Query.Series(c.UserContext(), id)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(meta)
	})

	api.Get("/indicators/:id/timeseries", func(c *fiber.Ctx) error {
		id, err := seriesID(c)
		if err != nil {
			return err
		}
		// Unknown ids are 404 whatever the query parameters.
		if _, err := svc.Query.Series(c.UserContext(), id); err != nil {
			return toHTTPError(err)
		}

		var req timeSeriesQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		ts, err := svc.Query.TimeSeries(c.UserContext(), indicators.TimeSeriesQuery{
			SeriesID: id,
			Start:    req.Start,
			End:      req.End,
			Limit:    req.Limit,
		})
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(newTimeSeriesResponse(ts))
	})

	api.Get("/indicators/:id/latest", func(c *fiber.Ctx) error {
		id, err := seriesID(c)
		if err != nil {
			return err
		}
		lv, err := svc.Query.Latest(c.UserContext(), id)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(lv)
	})

	api.Get("/categories", func(c *fiber.Ctx) error {
		cats, err := svc.Query.Categories(c.UserContext())
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(cats)
	})

	api.Get("/dashboards/:slug", func(c *fiber.Ctx) error {
		view, err := svc.Query.Dashboard(c.UserContext(), c.Params("slug"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(view)
	})

	api.Get("/refresh-log", func(c *fiber.Ctx) error {
		var req refreshLogQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		attempts, err := svc.Query.RefreshHistory(c.UserContext(), indicators.AttemptFilter{
			Source:   req.Source,
			SeriesID: req.SeriesID,
			Limit:    req.Limit,
		})
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(attempts)
	})

	api.Post("/refresh", func(c *fiber.Ctx) error {
		var sources []indicators.Source
		if s := c.Query("source"); s != "" {
			src, err := indicators.ParseSource(s)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			sources = []indicators.Source{src}
		}

		job, err := svc.Jobs.Start(sources)
		if err != nil {
			if errors.Is(err, indicators.ErrUnknownSource) {
				return fiber.NewError(fiber.StatusBadRequest, "source is not configured: "+err.Error())
			}
			return toHTTPError(err)
		}

		if !c.QueryBool("wait") {
			c.Location("/api/refresh/" + job.ID)
			return c.Status(fiber.StatusAccepted).JSON(job)
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), svc.WaitTimeout)
		defer cancel()
		job, err = svc.Jobs.Wait(ctx, job.ID)
		if err != nil {
			// The job keeps running; the caller can poll it.
			c.Location("/api/refresh/" + job.ID)
			return c.Status(fiber.StatusGatewayTimeout).JSON(job)
		}
		return c.Status(jobStatusCode(job)).JSON(job)
	})

	api.Get("/refresh/:job_id", func(c *fiber.Ctx) error {
		job, err := svc.Jobs.Get(c.Params("job_id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(job)
	})
}

func jobStatusCode(job indicators.RefreshJob) int {
	switch job.Status {
	case indicators.JobTimedOut:
		return fiber.StatusGatewayTimeout
	case indicators.JobFailed:
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusOK
	}
}

// toHTTPError maps domain errors onto status codes.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, indicators.ErrUnknownSeries):
		return fiber.NewError(fiber.StatusNotFound, "Indicator not found")
	case errors.Is(err, indicators.ErrUnknownDashboard):
		return fiber.NewError(fiber.StatusNotFound, "Dashboard not found")
	case errors.Is(err, indicators.ErrUnknownJob):
		return fiber.NewError(fiber.StatusNotFound, "Refresh job not found")
	case errors.Is(err, indicators.ErrInvalidLimit),
		errors.Is(err, indicators.ErrInvalidRange),
		errors.Is(err, indicators.ErrUnknownSource):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, indicators.ErrJobsShuttingDown):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, indicators.ErrRefreshTimeout):
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read indicator data")
	}
}

type seriesIDParam struct {
	ID string `validate:"required,max=100"`
}

func seriesID(c *fiber.Ctx) (string, error) {
	p := seriesIDParam{ID: c.Params("id")}
	if err := validate.Struct(p); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return p.ID, nil
}

// timeSeriesQuery holds query parameters for the timeseries endpoint.
type timeSeriesQuery struct {
	Start *time.Time
	End   *time.Time
	Limit int `validate:"gte=0"`
}

func (q *timeSeriesQuery) bind(c *fiber.Ctx) error {
	for _, p := range []struct {
		key string
		dst **time.Time
	}{
		{"start", &q.Start},
		{"end", &q.End},
	} {
		s := c.Query(p.key)
		if s == "" {
			continue
		}
		ts, err := parseTime(s)
		if err != nil {
			return err
		}
		*p.dst = &ts
	}

	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.New("limit must be an integer")
		}
		if n == 0 {
			return indicators.ErrInvalidLimit
		}
		q.Limit = n
	}
	return nil
}

// refreshLogQuery holds query parameters for the refresh-log endpoint.
type refreshLogQuery struct {
	Source   indicators.Source
	SeriesID string `validate:"max=100"`
	Limit    int    `validate:"gte=0,lte=1000"`
}

func (q *refreshLogQuery) bind(c *fiber.Ctx) error {
	if s := c.Query("source"); s != "" {
		src, err := indicators.ParseSource(s)
		if err != nil {
			return err
		}
		q.Source = src
	}
	q.SeriesID = c.Query("indicator_id")
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.New("limit must be an integer")
		}
		q.Limit = n
	}
	return nil
}

type timeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type timeSeriesResponse struct {
	SeriesID  string            `json:"indicator_id"`
	Name      string            `json:"name"`
	Frequency string            `json:"frequency"`
	Start     time.Time         `json:"start"`
	End       time.Time         `json:"end"`
	Data      []timeSeriesPoint `json:"data"`
}

func newTimeSeriesResponse(ts indicators.TimeSeries) timeSeriesResponse {
	data := make([]timeSeriesPoint, len(ts.Points))
	for i, p := range ts.Points {
		data[i] = timeSeriesPoint{Timestamp: p.Timestamp, Value: p.Value}
	}
	return timeSeriesResponse{
		SeriesID:  ts.SeriesID,
		Name:      ts.Name,
		Frequency: ts.Frequency,
		Start:     ts.Start,
		End:       ts.End,
		Data:      data,
	}
}

// parseTime accepts RFC3339, a plain date or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.DateOnly, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339, YYYY-MM-DD or unix seconds")
}
