package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/wa-relay/internal/services"
)

// ThreadHandler serves the inbox: queue summary, thread cards and the
// queue workflow
type ThreadHandler struct {
	summary *services.SummaryService
	queue   *services.QueueService
}

// NewThreadHandler creates a new thread handler
func NewThreadHandler(summary *services.SummaryService, queue *services.QueueService) *ThreadHandler {
	return &ThreadHandler{summary: summary, queue: queue}
}

// QueueSummary returns the thread count of every queue
func (h *ThreadHandler) QueueSummary(c *fiber.Ctx) error {
	counts, err := h.summary.QueueSummary(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"queues": counts})
}

// ListThreads returns the cards of one queue, most recent first
func (h *ThreadHandler) ListThreads(c *fiber.Ctx) error {
	cards, err := h.summary.ListThreadCards(c.UserContext(), c.Params("queue"), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"threads": cards, "count": len(cards)})
}

// Messages returns a thread's retained messages, oldest first
func (h *ThreadHandler) Messages(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	messages, err := h.summary.ThreadMessages(c.UserContext(), id, c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": messages})
}

// MarkRead clears the unread counter
func (h *ThreadHandler) MarkRead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.queue.MarkRead(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// UpdateQueueRequest moves a thread to another queue
type UpdateQueueRequest struct {
	Queue         string     `json:"queue" validate:"required"`
	ScheduledFor  *time.Time `json:"scheduled_for"`
	PartnerID     *uint      `json:"partner_id"`
	IntakeSummary string     `json:"intake_summary" validate:"max=2000"`
}

// UpdateQueue applies a queue transition
func (h *ThreadHandler) UpdateQueue(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req UpdateQueueRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	thread, err := h.queue.UpdateQueue(c.UserContext(), id, req.Queue, services.QueueOptions{
		ScheduledFor:  req.ScheduledFor,
		PartnerID:     req.PartnerID,
		IntakeSummary: req.IntakeSummary,
	})
	if err != nil {
		return err
	}
	return c.JSON(thread)
}

// Close concludes a thread
func (h *ThreadHandler) Close(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	thread, err := h.queue.CloseThread(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(thread)
}

// UpdateStatusRequest sets the thread status
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// UpdateStatus changes status and keeps the queue consistent
func (h *ThreadHandler) UpdateStatus(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req UpdateStatusRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	thread, err := h.queue.UpdateStatus(c.UserContext(), id, req.Status)
	if err != nil {
		return err
	}
	return c.JSON(thread)
}

// AssignRequest assigns a thread to a staff user; a null user unassigns
type AssignRequest struct {
	UserID *uint `json:"user_id"`
}

// Assign sets the assigned user
func (h *ThreadHandler) Assign(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req AssignRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	thread, err := h.queue.AssignThread(c.UserContext(), id, req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(thread)
}
