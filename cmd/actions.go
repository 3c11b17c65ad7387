package cmd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cptzeroo/toaster-ai/dataset"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	apiPrefix = "/api/v1/analytics"

	// userIDHeader carries the authenticated user id set by the upstream auth proxy.
	userIDHeader = "X-User-ID"
	// userIDContextKey is the echo context key for the resolved user id.
	userIDContextKey = "user_id"

	uploadFormField = "file"
	maxQueryLimit   = 10000

	msgUnexpected = "An unexpected error occurred"
)

// Dependencies are the operations the routes call. A nil func answers 503.
type Dependencies struct {
	AppMetrics    dataset.AppMetrics
	Logger        *slog.Logger
	MaxUploadSize string

	Readiness     func() Readiness
	UploadFile    func(ctx context.Context, userID, fileName, mimeType string, body io.Reader) (*dataset.FileRecord, error)
	ListFiles     func(ctx context.Context, userID string) ([]dataset.FileRecord, error)
	GetFile       func(ctx context.Context, userID, fileID string) (*dataset.FileRecord, error)
	DeleteFile    func(ctx context.Context, userID, fileID string) error
	SyncFiles     func(ctx context.Context, userID string) ([]dataset.FileRecord, *dataset.ReconcileReport, error)
	ExecuteQuery  func(ctx context.Context, userID, sql string, limit int) (*dataset.QueryResult, error)
	GetUserSchema func(ctx context.Context, userID string) (string, error)
}

type successEnvelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

type errorEnvelope struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	Path       string `json:"path"`
	Timestamp  string `json:"timestamp"`
}

type queryRequest struct {
	SQL   string `json:"sql"`
	Limit *int   `json:"limit"`
}

type syncResponse struct {
	Files  []dataset.FileRecord     `json:"files"`
	Report *dataset.ReconcileReport `json:"report"`
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.AppMetrics
	if metrics == nil {
		metrics = dataset.NoopAppMetrics{}
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	e.GET("/readyz", func(c echo.Context) error {
		if deps.Readiness == nil {
			return c.JSON(http.StatusServiceUnavailable, Readiness{Status: ReadinessStarting})
		}
		r := deps.Readiness()
		if r.Status == ReadinessStarting {
			return c.JSON(http.StatusServiceUnavailable, r)
		}
		return c.JSON(http.StatusOK, r)
	})
	e.GET("/metrics/app", func(c echo.Context) error {
		return c.JSON(http.StatusOK, metrics.Snapshot())
	})

	g := e.Group(apiPrefix, userIDMiddleware())

	uploadMiddleware := []echo.MiddlewareFunc{}
	if deps.MaxUploadSize != "" {
		uploadMiddleware = append(uploadMiddleware, middleware.BodyLimit(deps.MaxUploadSize))
	}
	g.POST("/files", func(c echo.Context) error {
		if deps.UploadFile == nil {
			return unavailable(c)
		}
		userID := currentUserID(c)

		part, err := nextFilePart(c.Request())
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return WriteError(c, err, logger)
			}
			return writeStatus(c, http.StatusBadRequest, "File is required")
		}
		defer part.Close()

		logger.InfoContext(c.Request().Context(), "file upload started",
			"user_id", userID,
			"file_name", part.FileName(),
		)
		rec, err := deps.UploadFile(c.Request().Context(), userID, part.FileName(), part.Header.Get(echo.HeaderContentType), part)
		if err != nil {
			return WriteError(c, err, logger)
		}
		return writeData(c, http.StatusCreated, rec)
	}, uploadMiddleware...)

	g.GET("/files", func(c echo.Context) error {
		if deps.ListFiles == nil {
			return unavailable(c)
		}
		files, err := deps.ListFiles(c.Request().Context(), currentUserID(c))
		if err != nil {
			return WriteError(c, err, logger)
		}
		return writeData(c, http.StatusOK, files)
	})

	g.GET("/files/:id", func(c echo.Context) error {
		if deps.GetFile == nil {
			return unavailable(c)
		}
		rec, err := deps.GetFile(c.Request().Context(), currentUserID(c), c.Param("id"))
		if err != nil {
			return WriteError(c, err, logger)
		}
		return writeData(c, http.StatusOK, rec)
	})

	g.DELETE("/files/:id", func(c echo.Context) error {
		if deps.DeleteFile == nil {
			return unavailable(c)
		}
		if err := deps.DeleteFile(c.Request().Context(), currentUserID(c), c.Param("id")); err != nil {
			return WriteError(c, err, logger)
		}
		return writeData(c, http.StatusOK, map[string]any{"deleted": true})
	})

	g.POST("/files/sync", func(c echo.Context) error {
		if deps.SyncFiles == nil {
			return unavailable(c)
		}
		files, report, err := deps.SyncFiles(c.Request().Context(), currentUserID(c))
		if err != nil {
			return WriteError(c, err, logger)
		}
		return writeData(c, http.StatusOK, syncResponse{Files: files, Report: report})
	})

	g.POST("/query", func(c echo.Context) error {
		if deps.ExecuteQuery == nil {
			return unavailable(c)
		}
		userID := currentUserID(c)

		var req queryRequest
		if err := c.Bind(&req); err != nil {
			return writeStatus(c, http.StatusBadRequest, "Invalid request body")
		}
		if strings.TrimSpace(req.SQL) == "" {
			return writeStatus(c, http.StatusBadRequest, "sql is required")
		}
		limit := 0
		if req.Limit != nil {
			if *req.Limit < 1 || *req.Limit > maxQueryLimit {
				return writeStatus(c, http.StatusBadRequest, "limit must be between 1 and 10000")
			}
			limit = *req.Limit
		}

		sqlForLog := strings.TrimSpace(req.SQL)
		if runes := []rune(sqlForLog); len(runes) > 100 {
			sqlForLog = string(runes[:100]) + "..."
		}
		logger.InfoContext(c.Request().Context(), "query received", "user_id", userID, "sql", sqlForLog)

		res, err := deps.ExecuteQuery(c.Request().Context(), userID, req.SQL, limit)
		if err != nil {
			return WriteError(c, err, logger)
		}
		return writeData(c, http.StatusOK, res)
	})

	g.GET("/schema", func(c echo.Context) error {
		if deps.GetUserSchema == nil {
			return unavailable(c)
		}
		schema, err := deps.GetUserSchema(c.Request().Context(), currentUserID(c))
		if err != nil {
			return WriteError(c, err, logger)
		}
		return writeData(c, http.StatusOK, map[string]any{"schema": schema})
	})
}

// userIDMiddleware rejects requests without an X-User-ID header.
func userIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(userIDHeader))
			if id == "" {
				return writeStatus(c, http.StatusUnauthorized, "Missing user id")
			}
			c.Set(userIDContextKey, id)
			return next(c)
		}
	}
}

func currentUserID(c echo.Context) string {
	id, _ := c.Get(userIDContextKey).(string)
	return id
}

// nextFilePart streams the multipart "file" field without buffering it.
func nextFilePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == uploadFormField && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func writeData(c echo.Context, status int, data any) error {
	return c.JSON(status, successEnvelope{Success: true, Data: data, Timestamp: timestamp()})
}

func writeStatus(c echo.Context, status int, message string) error {
	return c.JSON(status, errorEnvelope{
		Success:    false,
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
		Path:       c.Request().URL.RequestURI(),
		Timestamp:  timestamp(),
	})
}

func unavailable(c echo.Context) error {
	return writeStatus(c, http.StatusServiceUnavailable, "dataset service unavailable")
}

// StatusForKind maps a classified error to its HTTP status.
func StatusForKind(kind dataset.ErrorKind) int {
	switch kind {
	case dataset.KindValidation, dataset.KindQuery:
		return http.StatusBadRequest
	case dataset.KindNotFound:
		return http.StatusNotFound
	case dataset.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err in the error envelope. Unclassified errors hide
// their text from the client and are logged in full.
func WriteError(c echo.Context, err error, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := c.Request().Context()

	// Body limit violations surface from inside the upload stream.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return writeStatus(c, he.Code, http.StatusText(he.Code))
	}

	kind := dataset.KindOf(err)
	if kind == "" {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.WarnContext(ctx, "request aborted", "path", c.Path(), "error", err)
		} else {
			logger.ErrorContext(ctx, "unhandled error", "method", c.Request().Method, "path", c.Path(), "error", err)
		}
		return writeStatus(c, http.StatusInternalServerError, msgUnexpected)
	}

	status := StatusForKind(kind)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "kind", string(kind), "path", c.Path(), "error", err)
	}
	message := dataset.MessageOf(err)
	if message == "" {
		message = msgUnexpected
	}
	return writeStatus(c, status, message)
}

// httpErrorHandler renders echo's own errors (unknown route, body limit) in
// the same envelope as handler errors.
func httpErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			message := http.StatusText(he.Code)
			if m, ok := he.Message.(string); ok && m != "" {
				message = m
			}
			_ = writeStatus(c, he.Code, message)
			return
		}
		_ = WriteError(c, err, logger)
	}
}
