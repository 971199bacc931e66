package searchstore

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/platform/search"
	"github.com/ehr/fhirserver/pkg/pagination"
)

// Handler serves FHIR search and resource writes over a Store.
type Handler struct {
	store   Store
	options *search.OptionsFactory
	logger  zerolog.Logger
}

func NewHandler(store Store, options *search.OptionsFactory, logger zerolog.Logger) *Handler {
	return &Handler{
		store:   store,
		options: options,
		logger:  logger.With().Str("component", "search-handler").Logger(),
	}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("", h.SearchAll)
	fhirGroup.GET("/:resourceType", h.Search)
	fhirGroup.PUT("/:resourceType/:id", h.Put)
}

// Search handles GET /fhir/:resourceType.
func (h *Handler) Search(c echo.Context) error {
	return h.search(c, c.Param("resourceType"))
}

// SearchAll handles GET /fhir, a search across every resource type.
func (h *Handler) SearchAll(c echo.Context) error {
	return h.search(c, "")
}

func (h *Handler) search(c echo.Context, resourceType string) error {
	rawQuery := c.Request().URL.RawQuery
	query, err := search.ParseQueryString(rawQuery)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	opts, err := h.options.Create(resourceType, query)
	if err != nil {
		return h.errorResponse(c, err)
	}
	res, err := h.store.Search(c.Request().Context(), opts)
	if err != nil {
		return h.errorResponse(c, err)
	}

	var outcome *fhir.OperationOutcome
	if len(opts.UnsupportedParams) > 0 {
		b := fhir.NewOutcomeBuilder()
		for _, p := range opts.UnsupportedParams {
			fhir.IgnoredParameterIssue(b, p.Key, p.Value)
		}
		outcome = b.Build()
	}

	var links []fhir.BundleLink
	for _, l := range pagination.FHIRLinks(c.Request().URL.Path, rawQuery, res.ContinuationToken) {
		links = append(links, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}

	total := res.Total
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(res.Resources, &total, "/fhir", links, outcome))
}

// Put handles PUT /fhir/:resourceType/:id. The body's resourceType must
// match the path; its id is taken from the path.
func (h *Handler) Put(c echo.Context) error {
	resourceType, id := c.Param("resourceType"), c.Param("id")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	doc, err := fhir.ParseDocument(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if doc.ResourceType() != resourceType {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("resourceType "+doc.ResourceType()+" does not match "+resourceType))
	}
	if doc.ID() != "" && doc.ID() != id {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("resource id "+doc.ID()+" does not match "+id))
	}
	doc.SetID(id)

	if _, err := h.store.Upsert(c.Request().Context(), doc); err != nil {
		return h.errorResponse(c, err)
	}
	c.Response().Header().Set("Location", fhir.FormatReference("/fhir/"+resourceType, id))
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) errorResponse(c echo.Context, err error) error {
	var rns *search.ResourceNotSupportedError
	var ee *search.ExtractionError
	switch {
	case errors.As(err, &rns):
		return c.JSON(http.StatusNotFound, fhir.NotSupportedOutcome(err.Error()))
	case search.IsInvalid(err), errors.As(err, &ee):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case search.IsNotSupported(err), search.IsOperationNotSupported(err):
		return c.JSON(http.StatusBadRequest, fhir.NotSupportedOutcome(err.Error()))
	}
	h.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("search request failed")
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error"))
}
