package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/ArmDaniel/medrouter/internal/report"
	"github.com/ArmDaniel/medrouter/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CaseHandler struct {
	cases *service.CaseService
	chat  *service.ChatService
	log   *zap.Logger
}

func NewCaseHandler(cases *service.CaseService, chat *service.ChatService, log *zap.Logger) *CaseHandler {
	return &CaseHandler{cases: cases, chat: chat, log: log}
}

type caseResponse struct {
	ID          uuid.UUID         `json:"id"`
	PatientID   uuid.UUID         `json:"patientId"`
	DoctorID    *uuid.UUID        `json:"doctorId"`
	Status      medcase.Status    `json:"status"`
	Data        json.RawMessage   `json:"data"`
	ChatHistory []medcase.Message `json:"chatHistory"`
	FinalReport *string           `json:"finalReport"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func toCaseResponse(c *medcase.Case) caseResponse {
	data := json.RawMessage(c.Data)
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	history := c.ChatHistory
	if history == nil {
		history = []medcase.Message{}
	}
	return caseResponse{
		ID:          c.ID,
		PatientID:   c.PatientID,
		DoctorID:    c.DoctorID,
		Status:      c.Status,
		Data:        data,
		ChatHistory: history,
		FinalReport: c.FinalReport,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func toCaseResponses(cases []*medcase.Case) []caseResponse {
	out := make([]caseResponse, 0, len(cases))
	for _, c := range cases {
		out = append(out, toCaseResponse(c))
	}
	return out
}

type selectDoctorRequest struct {
	DoctorID uuid.UUID `json:"doctorId" binding:"required"`
}

type reportRequest struct {
	Notes string `json:"notes"`
}

type chatRequest struct {
	Content string `json:"content"`
}

type reportResponse struct {
	Variant  report.Variant `json:"variant"`
	Content  string         `json:"content"`
	FileName string         `json:"fileName"`
	MimeType string         `json:"mimeType"`
	Case     caseResponse   `json:"case"`
}

func (h *CaseHandler) Create(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	var req service.CreateCaseCommand
	if !bindJSON(c, &req) {
		return
	}

	created, err := h.cases.CreateCase(c.Request.Context(), &req, claims.UserID, claims.Role, c.ClientIP())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondCreated(c, toCaseResponse(created))
}

func (h *CaseHandler) ListMine(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}

	cases, err := h.cases.ListMyCases(c.Request.Context(), claims.UserID, claims.Role)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, toCaseResponses(cases))
}

func (h *CaseHandler) ListAssigned(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}

	cases, err := h.cases.ListAssignedCases(c.Request.Context(), claims.UserID, claims.Role)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, toCaseResponses(cases))
}

func (h *CaseHandler) Get(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	caseID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	found, err := h.cases.GetCase(c.Request.Context(), caseID, claims.UserID, claims.Role, c.ClientIP())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, toCaseResponse(found))
}

func (h *CaseHandler) SelectDoctor(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	caseID, ok := parseUUID(c, "id")
	if !ok {
		return
	}
	var req selectDoctorRequest
	if !bindJSON(c, &req) {
		return
	}

	updated, err := h.cases.AssignDoctor(c.Request.Context(), caseID, req.DoctorID, claims.UserID, claims.Role, c.ClientIP())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, toCaseResponse(updated))
}

func (h *CaseHandler) Process(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	caseID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	updated, err := h.cases.TriggerProcessing(c.Request.Context(), caseID, claims.UserID, claims.Role, c.ClientIP())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, toCaseResponse(updated))
}

// GenerateReport renders the report named by :variant. With ?download=true
// the document itself is returned as an attachment.
func (h *CaseHandler) GenerateReport(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	caseID, ok := parseUUID(c, "id")
	if !ok {
		return
	}
	variant, err := report.ParseVariant(c.Param("variant"))
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}

	var req reportRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	rep, err := h.cases.GenerateReport(c.Request.Context(), caseID, variant, req.Notes, claims.UserID, claims.Role, c.ClientIP())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	h.respondReport(c, rep)
}

func (h *CaseHandler) FinalReport(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	caseID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	rep, err := h.cases.GetFinalReport(c.Request.Context(), caseID, claims.UserID, claims.Role, c.ClientIP())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	h.respondReport(c, rep)
}

func (h *CaseHandler) respondReport(c *gin.Context, rep *service.GeneratedReport) {
	if download, _ := strconv.ParseBool(c.Query("download")); download {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rep.FileName))
		c.Data(http.StatusOK, rep.MimeType+"; charset=utf-8", []byte(rep.Content))
		return
	}
	respondOK(c, reportResponse{
		Variant:  rep.Variant,
		Content:  rep.Content,
		FileName: rep.FileName,
		MimeType: rep.MimeType,
		Case:     toCaseResponse(rep.Case),
	})
}

func (h *CaseHandler) ListMessages(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	caseID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	msgs, err := h.chat.List(c.Request.Context(), caseID, claims.UserID, claims.Role)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, msgs)
}

func (h *CaseHandler) PostMessage(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	caseID, ok := parseUUID(c, "id")
	if !ok {
		return
	}
	var req chatRequest
	if !bindJSON(c, &req) {
		return
	}

	msg, err := h.chat.Append(c.Request.Context(), caseID, claims.UserID, claims.Role, req.Content, c.ClientIP())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondCreated(c, msg)
}
