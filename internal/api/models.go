package api

import (
	"github.com/gofiber/fiber/v2"
)

const problemContentType = "application/problem+json"

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// LivenessResponse is returned by /healthz.
type LivenessResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func problemResponse(c *fiber.Ctx, status int, typ, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     typ,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	}, problemContentType)
}
