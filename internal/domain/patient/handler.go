package patient

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medsupply/patientdesk/internal/platform/auth"
	"github.com/medsupply/patientdesk/internal/platform/intake"
	"github.com/medsupply/patientdesk/pkg/pagination"
)

type Handler struct {
	svc      *Service
	issuer   *auth.Issuer
	maxBytes int64
}

func NewHandler(svc *Service, issuer *auth.Issuer, maxUploadBytes int64) *Handler {
	return &Handler{svc: svc, issuer: issuer, maxBytes: maxUploadBytes}
}

// RegisterRoutes mounts sign-in, wrapped in loginMW, and everything else
// behind the session check.
func (h *Handler) RegisterRoutes(api *echo.Group, loginMW ...echo.MiddlewareFunc) {
	api.POST("/session", h.Login, loginMW...)

	protected := api.Group("", auth.RequireSession(h.svc, h.issuer))
	protected.GET("/session", h.GetSession)
	protected.DELETE("/session", h.Logout)

	protected.GET("/patients", h.ListPatients)
	protected.GET("/patients/counts", h.CountPatients)
	protected.POST("/patients", h.OnboardPatient)
	protected.GET("/patients/:id", h.GetPatient)
	protected.PATCH("/patients/:id", h.UpdatePatient)
	protected.PUT("/patients/:id/status", h.ChangeStatus)
	protected.POST("/patients/:id/archive", h.ArchivePatient)
	protected.DELETE("/patients/:id", h.DeletePatient)

	protected.PATCH("/patients/:id/details", h.UpdateDetails)
	protected.PUT("/patients/:id/prescription", h.UploadPrescription)
	protected.PUT("/patients/:id/location", h.SetLocation)

	protected.POST("/patients/:id/medicines", h.AddMedicines)
	protected.PATCH("/patients/:id/medicines/:medicineId", h.UpdateMedicine)
	protected.PUT("/patients/:id/medicines/:medicineId/photo", h.UploadMedicinePhoto)
	protected.DELETE("/patients/:id/medicines/:medicineId", h.DeleteMedicine)

	protected.POST("/patients/:id/pending-amounts", h.AddPendingAmount)
	protected.DELETE("/patients/:id/pending-amounts/:pendingId", h.DeletePendingAmount)

	protected.POST("/actions", h.DispatchAction)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// -- Session --

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User          *User  `json:"user"`
	Authenticated bool   `json:"authenticated"`
	Token         string `json:"token,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return httpError(err)
	}
	resp := sessionResponse{User: &u, Authenticated: true}
	token, exp, err := h.issuer.Issue(u.Username, u.Name)
	if err != nil {
		return httpError(err)
	}
	if token != "" {
		resp.Token = token
		resp.ExpiresAt = exp.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetSession(c echo.Context) error {
	st := h.svc.Store().State()
	return c.JSON(http.StatusOK, sessionResponse{User: st.User, Authenticated: st.Authenticated})
}

func (h *Handler) Logout(c echo.Context) error {
	h.svc.Logout(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

// -- Patients --

func (h *Handler) ListPatients(c echo.Context) error {
	status := Status(c.QueryParam("status"))
	if status == "" {
		status = StatusOnboarded
	}
	items, err := h.svc.List(c.Request().Context(), status, c.QueryParam("q"))
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	page, total := pagination.Page(items, pg)
	return c.JSON(http.StatusOK, pagination.NewResponse(page, total, pg.Limit, pg.Offset))
}

type countEntry struct {
	Status Status `json:"status"`
	Label  string `json:"label"`
	Count  int    `json:"count"`
}

func (h *Handler) CountPatients(c echo.Context) error {
	counts := h.svc.Counts(c.Request().Context())
	out := make([]countEntry, 0, len(Statuses))
	for _, s := range Statuses {
		out = append(out, countEntry{Status: s, Label: s.Label(), Count: counts[s]})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) OnboardPatient(c echo.Context) error {
	var in OnboardingData
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Onboard(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	v, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// respondPatient writes the current view of id, or 204 when the patient is
// gone (mutations against unknown ids are silent no-ops).
func (h *Handler) respondPatient(c echo.Context, id string) error {
	v, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return c.NoContent(http.StatusNoContent)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var fields PatientFields
	if err := c.Bind(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if err := h.svc.EditPatient(c.Request().Context(), id, fields); err != nil {
		return httpError(err)
	}
	return h.respondPatient(c, id)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		return httpError(err)
	}
	id := c.Param("id")
	if err := h.svc.ChangeStatus(c.Request().Context(), id, status); err != nil {
		return httpError(err)
	}
	return h.respondPatient(c, id)
}

func (h *Handler) ArchivePatient(c echo.Context) error {
	id := c.Param("id")
	if err := h.svc.Archive(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return h.respondPatient(c, id)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	h.svc.DeletePatient(c.Request().Context(), c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// -- Details --

func (h *Handler) UpdateDetails(c echo.Context) error {
	var fields DetailsFields
	if err := c.Bind(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if err := h.svc.UpdateDetails(c.Request().Context(), id, fields); err != nil {
		return httpError(err)
	}
	return h.respondPatient(c, id)
}

func (h *Handler) UploadPrescription(c echo.Context) error {
	dataURL, err := intake.FromForm(c, "file", intake.Policy{Accept: intake.PrescriptionAccept, MaxBytes: h.maxBytes})
	if err != nil {
		return echo.NewHTTPError(intake.StatusCode(err), err.Error())
	}
	id := c.Param("id")
	if err := h.svc.UploadPrescription(c.Request().Context(), id, dataURL); err != nil {
		return httpError(err)
	}
	return h.respondPatient(c, id)
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type locationResponse struct {
	ShippingAddress *ShippingAddress `json:"shippingAddress"`
	Resolved        bool             `json:"resolved"`
}

func (h *Handler) SetLocation(c echo.Context) error {
	var req locationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Lat == nil || req.Lng == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "lat and lng are required")
	}
	addr, resolved, err := h.svc.SetShippingLocation(c.Request().Context(), c.Param("id"), *req.Lat, *req.Lng)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, locationResponse{ShippingAddress: addr, Resolved: resolved})
}

// -- Medicines --

type medicinesRequest struct {
	Medicines []MedicineInput `json:"medicines"`
}

func (h *Handler) AddMedicines(c echo.Context) error {
	var req medicinesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	meds, err := h.svc.AddMedicines(c.Request().Context(), c.Param("id"), req.Medicines)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, meds)
}

func (h *Handler) UpdateMedicine(c echo.Context) error {
	var fields MedicineFields
	if err := c.Bind(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if err := h.svc.UpdateMedicine(c.Request().Context(), id, c.Param("medicineId"), fields); err != nil {
		return httpError(err)
	}
	return h.respondPatient(c, id)
}

func (h *Handler) UploadMedicinePhoto(c echo.Context) error {
	dataURL, err := intake.FromForm(c, "file", intake.Policy{Accept: intake.PhotoAccept, MaxBytes: h.maxBytes})
	if err != nil {
		return echo.NewHTTPError(intake.StatusCode(err), err.Error())
	}
	id := c.Param("id")
	if err := h.svc.SetMedicinePhoto(c.Request().Context(), id, c.Param("medicineId"), dataURL); err != nil {
		return httpError(err)
	}
	return h.respondPatient(c, id)
}

func (h *Handler) DeleteMedicine(c echo.Context) error {
	h.svc.DeleteMedicine(c.Request().Context(), c.Param("id"), c.Param("medicineId"))
	return c.NoContent(http.StatusNoContent)
}

// -- Pending amounts --

type pendingRequest struct {
	Amount float64 `json:"amount"`
	Date   string  `json:"date"`
	Note   string  `json:"note"`
}

func (h *Handler) AddPendingAmount(c echo.Context) error {
	var req pendingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry, err := h.svc.AddPendingAmount(c.Request().Context(), c.Param("id"), req.Amount, req.Date, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) DeletePendingAmount(c echo.Context) error {
	h.svc.DeletePendingAmount(c.Request().Context(), c.Param("id"), c.Param("pendingId"))
	return c.NoContent(http.StatusNoContent)
}

// -- Raw actions --

type dispatchResponse struct {
	Type    string `json:"type"`
	Applied bool   `json:"applied"`
}

// DispatchAction applies a raw {"type","payload"} envelope. Unknown types are
// accepted and leave the state untouched.
func (h *Handler) DispatchAction(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := DecodeAction(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, ok := a.(LoadData); ok && !strings.EqualFold(c.QueryParam("confirm"), "replace") {
		return echo.NewHTTPError(http.StatusBadRequest, "LOAD_DATA replaces all data; repeat with ?confirm=replace")
	}
	_, unknown := a.(UnknownAction)
	h.svc.Dispatch(c.Request().Context(), a)
	return c.JSON(http.StatusAccepted, dispatchResponse{Type: a.Type(), Applied: !unknown})
}
