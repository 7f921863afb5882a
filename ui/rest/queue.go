package rest

import (
	"github.com/AzielCF/az-inbox/pkg/msgworker"
	"github.com/AzielCF/az-inbox/pkg/utils"
	"github.com/AzielCF/az-inbox/queue/domain/job"
	"github.com/gofiber/fiber/v2"
)

// QueueStats is implemented by every job queue.
type QueueStats interface {
	Kind() job.Kind
	Stats() msgworker.PoolStats
}

type queueView struct {
	Kind  job.Kind            `json:"kind"`
	Stats msgworker.PoolStats `json:"stats"`
}

// InitRestQueue exposes live worker pool statistics of the job queues.
func InitRestQueue(app fiber.Router, queues ...QueueStats) {
	app.Get("/queues", func(c *fiber.Ctx) error {
		out := make([]queueView, 0, len(queues))
		for _, q := range queues {
			out = append(out, queueView{Kind: q.Kind(), Stats: q.Stats()})
		}
		return c.JSON(utils.ResponseData{
			Status:  200,
			Code:    "SUCCESS",
			Message: "Queue statistics retrieved",
			Results: out,
		})
	})
}
