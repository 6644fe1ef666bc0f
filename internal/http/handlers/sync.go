package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dk5761/reader-sync/internal/librarysync"
)

const streamKeepAlive = 15 * time.Second

type SyncHandler struct {
	controller *librarysync.Controller
}

func NewSyncHandler(controller *librarysync.Controller) *SyncHandler {
	return &SyncHandler{controller: controller}
}

func (h *SyncHandler) Snapshot(c *fiber.Ctx) error {
	return c.JSON(h.controller.Snapshot())
}

func (h *SyncHandler) Start(c *fiber.Ctx) error {
	return c.JSON(h.controller.StartRun(c.Context()))
}

func (h *SyncHandler) Pause(c *fiber.Ctx) error {
	return c.JSON(h.controller.PauseRun(false))
}

func (h *SyncHandler) Resume(c *fiber.Ctx) error {
	return c.JSON(h.controller.ResumeRun())
}

func (h *SyncHandler) Cancel(c *fiber.Ctx) error {
	return c.JSON(h.controller.CancelRun())
}

// Stream sends the current snapshot and then every change as server-sent
// events until the client goes away. Slow clients drop intermediate
// snapshots rather than blocking the run.
func (h *SyncHandler) Stream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	updates := make(chan librarysync.RunSnapshot, 16)
	unsubscribe := h.controller.Subscribe(func(snapshot librarysync.RunSnapshot) {
		select {
		case updates <- snapshot:
		default:
		}
	})
	initial := h.controller.Snapshot()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		if err := writeSnapshotEvent(w, initial); err != nil {
			return
		}

		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case snapshot := <-updates:
				if err := writeSnapshotEvent(w, snapshot); err != nil {
					return
				}
			case <-keepAlive.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}

func writeSnapshotEvent(w *bufio.Writer, snapshot librarysync.RunSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal run snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}
