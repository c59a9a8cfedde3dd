// internal/controller/campaign_controller.go
package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/mailqueue-backend/internal/model"
	"github.com/unclebandit/mailqueue-backend/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *zap.Logger
}

func NewCampaignController(svc *service.CampaignService, log *zap.Logger) *CampaignController {
	if log == nil {
		log = zap.NewNop()
	}
	return &CampaignController{CampaignService: svc, Log: log.Named("http")}
}

// ====================== Queue ======================

func (c *CampaignController) StartQueue(w http.ResponseWriter, r *http.Request) {
	started := c.CampaignService.StartQueue()
	writeOK(w, map[string]any{"started": started})
}

func (c *CampaignController) StopQueue(w http.ResponseWriter, r *http.Request) {
	stopped := c.CampaignService.StopQueue()
	writeOK(w, map[string]any{"stopped": stopped})
}

func (c *CampaignController) QueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.CampaignService.QueueStatus())
}

// ====================== Campaigns ======================

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := c.CampaignService.ListCampaigns(r.Context())
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaigns)
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	campaign, err := c.CampaignService.GetCampaign(r.Context(), id)
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Subject  string `json:"subject"`
		Sender   string `json:"sender"`
		Body     string `json:"body"`
		TextBody string `json:"textBody"`
	}
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}

	campaign := &model.Campaign{
		Name:     body.Name,
		Subject:  body.Subject,
		Sender:   body.Sender,
		Body:     body.Body,
		TextBody: body.TextBody,
	}
	if err := c.CampaignService.CreateCampaign(r.Context(), campaign); err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	writeOK(w, map[string]any{"id": campaign.ID})
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	var patch model.CampaignPatch
	if err := decode(r, &patch); err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	if err := c.CampaignService.UpdateCampaign(r.Context(), id, patch); err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	writeOK(w, map[string]any{"id": id})
}

func (c *CampaignController) RemoveCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	if err := c.CampaignService.RemoveCampaign(r.Context(), id); err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	writeOK(w, nil)
}

func (c *CampaignController) TogglePause(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	state, err := c.CampaignService.TogglePause(r.Context(), id)
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	writeOK(w, map[string]any{"id": id, "state": state, "paused": state == model.CampaignPaused})
}

// ====================== Attempts ======================

func (c *CampaignController) ListAllAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := c.CampaignService.ListAllAttempts(r.Context())
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (c *CampaignController) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	attempts, err := c.CampaignService.ListAttempts(r.Context(), id)
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// AddAttempts accepts {"email": "..."} or {"emails": [...]}.
func (c *CampaignController) AddAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	var body struct {
		Email  string   `json:"email"`
		Emails []string `json:"emails"`
	}
	if err := decode(r, &body); err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	emails := body.Emails
	if body.Email != "" {
		emails = append([]string{body.Email}, emails...)
	}

	added, err := c.CampaignService.AddAttempts(r.Context(), id, emails)
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	resp := map[string]any{"campaignId": id, "attempts": added}
	if len(added) == 1 {
		resp["email"] = added[0].Email
		resp["id"] = added[0].ID
	}
	writeOK(w, resp)
}

func (c *CampaignController) RemoveAttempt(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	email, err := c.CampaignService.RemoveAttempt(r.Context(), id)
	if err != nil {
		writeProblem(w, r, c.Log, err)
		return
	}
	writeOK(w, map[string]any{"email": email})
}

// Register mounts the queue, campaign and attempt routes on r.
func (c *CampaignController) Register(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Post("/start", c.StartQueue)
		r.Post("/stop", c.StopQueue)
		r.Get("/status", c.QueueStatus)
	})

	r.Get("/attempts", c.ListAllAttempts)
	r.Delete("/attempts/{id}", c.RemoveAttempt)

	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", c.ListCampaigns)
		r.Post("/", c.CreateCampaign)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", c.GetCampaign)
			r.Patch("/", c.UpdateCampaign)
			r.Delete("/", c.RemoveCampaign)
			r.Post("/pause", c.TogglePause)
			r.Get("/attempts", c.ListAttempts)
			r.Post("/attempts", c.AddAttempts)
		})
	})
}
