package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// API serves the read models and meeting management over REST.
type API struct {
	orch            *orch.Orchestrator
	meetingCapacity int
}

func NewAPI(o *orch.Orchestrator, meetingCapacity int) *API {
	return &API{orch: o, meetingCapacity: meetingCapacity}
}

func (a *API) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": a.orch.ICEServers()})
}

func (a *API) Presence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": a.orch.Presence.Online()})
}

func (a *API) GetCall(c *gin.Context) {
	call, err := a.orch.Calls.Get(c.Request.Context(), identity(c).ID, domain.CallID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

func (a *API) GetGroupCall(c *gin.Context) {
	gc, ok := a.orch.GroupCalls.Snapshot(domain.Scope(c.Param("channel")))
	if !ok {
		writeError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": gc})
}

func (a *API) ListScreenShares(c *gin.Context) {
	ws := c.Query("workspace")
	if ws == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid", "message": "workspace is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shares": a.orch.ScreenShare.List(domain.Scope(ws))})
}

type createMeetingRequest struct {
	Title           string    `json:"title" binding:"required"`
	Description     string    `json:"description"`
	WorkspaceID     string    `json:"workspaceId"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	DurationMin     int       `json:"durationMinutes"`
	MaxParticipants int       `json:"maxParticipants"`
	Invitees        []string  `json:"invitees"`
}

func (a *API) CreateMeeting(c *gin.Context) {
	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid", "message": err.Error()})
		return
	}
	capacity := req.MaxParticipants
	if capacity <= 0 {
		capacity = a.meetingCapacity
	}
	invitees := make([]domain.UserID, 0, len(req.Invitees))
	for _, id := range req.Invitees {
		invitees = append(invitees, domain.UserID(id))
	}
	m, err := a.orch.Meetings.Create(c.Request.Context(), domain.NewMeetingParams{
		Title:           req.Title,
		Description:     req.Description,
		WorkspaceID:     req.WorkspaceID,
		CreatorID:       identity(c).ID,
		ScheduledAt:     req.ScheduledAt,
		DurationMin:     req.DurationMin,
		MaxParticipants: capacity,
		Invitees:        invitees,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"meeting": m})
}

func (a *API) GetMeeting(c *gin.Context) {
	a.getMeeting(c, app.MeetingRef{ID: domain.MeetingID(c.Param("id"))})
}

func (a *API) GetMeetingByLink(c *gin.Context) {
	a.getMeeting(c, app.MeetingRef{LinkToken: c.Param("token")})
}

func (a *API) getMeeting(c *gin.Context, ref app.MeetingRef) {
	m, err := a.orch.Meetings.Get(c.Request.Context(), identity(c).ID, ref)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meeting": m, "live": a.orch.Meetings.Live(m.ID).Members})
}

func (a *API) RespondMeeting(c *gin.Context) {
	var req struct {
		Accept *bool `json:"accept" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid", "message": err.Error()})
		return
	}
	m, err := a.orch.Meetings.Respond(c.Request.Context(), identity(c).ID, domain.MeetingID(c.Param("id")), *req.Accept)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meeting": m})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrCapacity):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": domain.Code(err), "message": domain.Message(err)})
}
