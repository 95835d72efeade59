package quality

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/quality/internal/platform/fhir"
	"github.com/ehr/quality/pkg/pagination"
)

const maxEvaluateBody = 8 << 20

type Handler struct {
	runner *Runner
}

func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/quality")
	g.GET("/definitions", h.ListDefinitions)
	g.POST("/definitions", h.RegisterDefinitions)
	g.GET("/applicability/:resourceType", h.GetApplicability)
	g.POST("/tables", h.RegisterTable)
	g.POST("/runs", h.CreateRun)
	g.POST("/rules/:name/evaluate", h.EvaluateRule)
	g.GET("/results", h.ListResults)
}

func (h *Handler) ListDefinitions(c echo.Context) error {
	items, err := h.runner.Definitions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*RuleDefinition{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RegisterDefinitions(c echo.Context) error {
	st := NewRunState()
	if err := h.runner.RegisterDefinitions(c.Request().Context(), st); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	items := make([]*RuleDefinition, 0, len(st.Definitions))
	for _, d := range Definitions() {
		items = append(items, st.Definitions[d.Name])
	}
	return c.JSON(http.StatusOK, items)
}

type applicabilityResponse struct {
	ResourceType string                      `json:"resource_type"`
	Rules        []string                    `json:"rules"`
	Parameters   map[string][]ParameterValue `json:"parameters"`
}

func (h *Handler) GetApplicability(c echo.Context) error {
	rt := c.Param("resourceType")
	if !fhir.ValidResourceType(rt) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid resource type")
	}
	rules := ApplicableRules(rt)
	params := make(map[string][]ParameterValue, len(rules))
	for _, rule := range rules {
		params[rule] = ParameterValues(rule, rt)
	}
	return c.JSON(http.StatusOK, applicabilityResponse{ResourceType: rt, Rules: rules, Parameters: params})
}

func (h *Handler) RegisterTable(c echo.Context) error {
	var t Table
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.runner.RegisterTable(c.Request().Context(), &t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, t)
}

type runRequest struct {
	TableFQN     string `json:"table_fqn"`
	ResourceType string `json:"resource_type"`
}

type runErrorResponse struct {
	Error string       `json:"error"`
	Kind  RunErrorKind `json:"kind"`
	Table string       `json:"table_fqn"`
}

func (h *Handler) CreateRun(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TableFQN == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "table_fqn is required")
	}
	if !fhir.ValidResourceType(req.ResourceType) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid resource_type")
	}

	outcome := h.runner.Run(c.Request().Context(), req.TableFQN, req.ResourceType)
	if !outcome.OK() {
		return c.JSON(http.StatusUnprocessableEntity, runErrorResponse{
			Error: outcome.Err.Error(),
			Kind:  outcome.Err.Kind,
			Table: outcome.Err.Table,
		})
	}
	return c.JSON(http.StatusCreated, outcome.Report)
}

type evaluateResponse struct {
	Rule       string     `json:"rule"`
	DocumentID string     `json:"document_id,omitempty"`
	Result     RuleResult `json:"result"`
}

// EvaluateRule runs one rule over the posted document. The transition rule
// takes a JSON array of encounters or a Bundle instead.
func (h *Handler) EvaluateRule(c echo.Context) error {
	rule := c.Param("name")
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEvaluateBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if rule == RuleEncounterTransition {
		docs, err := decodeDocuments(body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		res := ValidateEncounterStatusTransitions(docs)
		return c.JSON(http.StatusOK, evaluateResponse{Rule: rule, Result: res})
	}

	doc, err := fhir.ParseDocument(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rt := c.QueryParam("resourceType")
	if rt == "" {
		rt = doc.ResourceType()
	}
	check, err := NewCheck(rule, rt, c.QueryParam("fieldName"))
	if errors.Is(err, ErrUnknownRule) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, evaluateResponse{
		Rule:       rule,
		DocumentID: doc.ID(),
		Result:     check.Evaluate(doc),
	})
}

func decodeDocuments(body []byte) ([]fhir.Document, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var docs []fhir.Document
		if err := json.Unmarshal(body, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	bundle, err := fhir.DecodeBundle(body)
	if err != nil {
		return nil, err
	}
	return bundle.Resources(), nil
}

func (h *Handler) ListResults(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.runner.Results(c.Request().Context(), c.QueryParam("suite"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*StoredResult{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
